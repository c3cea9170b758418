// ABOUTME: Runtime assembly of the support-chat core from configuration
// ABOUTME: Builds the store, transports, and services and hands out sessions

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jordanzfar/supportchat/internal/attach"
	"github.com/jordanzfar/supportchat/internal/broadcast"
	"github.com/jordanzfar/supportchat/internal/chat"
	"github.com/jordanzfar/supportchat/internal/config"
	"github.com/jordanzfar/supportchat/internal/identity"
	"github.com/jordanzfar/supportchat/internal/lifecycle"
	"github.com/jordanzfar/supportchat/internal/presence"
	"github.com/jordanzfar/supportchat/internal/relay"
	"github.com/jordanzfar/supportchat/internal/roster"
	"github.com/jordanzfar/supportchat/internal/store"
)

// Core owns every long-lived component of the messaging system. One Core per
// process; sessions are cheap and opened per connected participant.
type Core struct {
	cfg *config.Config
	log *slog.Logger

	store     *store.SQLiteStore
	broadcast *broadcast.Broadcaster
	hub       *presence.Hub
	lifecycle *lifecycle.Service
	roster    *roster.Manager
	verifier  *identity.JWTVerifier

	presencePub presence.Publisher
	redis       *presence.RedisTransport
	relayPub    relay.Publisher
	attachments *attach.FSStore
}

// New assembles a Core from configuration. Optional pieces degrade: without
// Redis, typing stays process-local; without a relay URL, mirroring is
// skipped; without an attachment root, attachment URLs are unavailable.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	c := &Core{
		cfg:       cfg,
		log:       logger.With("component", "app"),
		store:     st,
		broadcast: broadcast.New(logger),
		hub:       presence.NewHub(logger),
		roster:    roster.NewManager(st, logger),
		verifier:  identity.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
	}
	c.lifecycle = lifecycle.New(st, c.broadcast, logger)
	c.presencePub = c.hub

	if cfg.Presence.Redis.Enabled {
		transport, err := presence.NewRedisTransport(ctx, presence.RedisOptions{
			Addr:     cfg.Presence.Redis.Addr,
			Password: cfg.Presence.Redis.Password,
			DB:       cfg.Presence.Redis.DB,
		}, c.hub, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connecting presence transport: %w", err)
		}
		c.redis = transport
		c.presencePub = transport
	}

	if cfg.Relay.Enabled {
		pub, err := relay.New(ctx, relay.ConnectionOptions{
			URL:           cfg.Relay.URL,
			Exchange:      cfg.Relay.Exchange,
			RetryAttempts: cfg.Relay.RetryAttempts,
			Delay:         cfg.Relay.RetryDelay,
		}, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connecting relay: %w", err)
		}
		c.relayPub = pub
	} else {
		c.relayPub = relay.NewFallback(logger)
	}

	if cfg.Attachments.Root != "" {
		fs, err := attach.NewFSStore(cfg.Attachments.Root, cfg.Attachments.BaseURL, []byte(cfg.Attachments.SigningSecret))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("opening attachment store: %w", err)
		}
		c.attachments = fs
	}

	return c, nil
}

// OpenSession verifies the bearer token and opens a chat session for its
// identity. Agents must name the conversation they are joining.
func (c *Core) OpenSession(ctx context.Context, token, conversationID string) (*chat.Session, error) {
	id, err := c.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	deps := chat.Deps{
		Store:          c.store,
		Lifecycle:      c.lifecycle,
		Roster:         c.roster,
		Broadcast:      c.broadcast,
		PresenceHub:    c.hub,
		Presence:       c.presencePub,
		Relay:          c.relayPub,
		Logger:         c.log,
		DebounceWindow: c.cfg.Presence.DebounceWindow,
		TypingTTL:      c.cfg.Presence.TypingTTL,
		URLTTL:         c.cfg.Attachments.URLTTL,
	}
	if c.attachments != nil {
		deps.Attachments = c.attachments
	}

	return chat.Open(ctx, deps, id, conversationID)
}

// Roster exposes the agent roster for registration and availability updates.
func (c *Core) Roster() *roster.Manager {
	return c.roster
}

// Attachments returns the attachment store, or nil when not configured.
func (c *Core) Attachments() *attach.FSStore {
	return c.attachments
}

// Run blocks until ctx is cancelled, keeping background transports alive.
func (c *Core) Run(ctx context.Context) error {
	c.log.Info("support-chat core running",
		"redis_presence", c.redis != nil,
		"relay", c.cfg.Relay.Enabled)

	if c.redis != nil {
		if err := c.redis.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("presence transport: %w", err)
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

// Close releases transports and the store. Sessions opened from this core
// must be closed first.
func (c *Core) Close() error {
	if c.relayPub != nil {
		if err := c.relayPub.Close(); err != nil {
			c.log.Warn("closing relay", "error", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.Warn("closing presence transport", "error", err)
		}
	}
	c.hub.Close()
	c.broadcast.Close()
	return c.store.Close()
}
