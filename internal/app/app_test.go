// ABOUTME: Tests for the runtime assembly
// ABOUTME: Config-driven construction and token-gated session opening

package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanzfar/supportchat/internal/config"
	"github.com/jordanzfar/supportchat/internal/identity"
	"github.com/jordanzfar/supportchat/internal/roster"
	"github.com/jordanzfar/supportchat/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "app.db")},
		Auth:     config.AuthConfig{JWTSecret: "test-secret"},
		Presence: config.PresenceConfig{
			DebounceWindow: config.DefaultDebounceWindow,
			TypingTTL:      config.DefaultTypingTTL,
		},
		Attachments: config.AttachmentsConfig{
			Root:          filepath.Join(t.TempDir(), "attachments"),
			BaseURL:       "https://files.example.com",
			SigningSecret: "attach-secret",
			URLTTL:        config.DefaultURLTTL,
		},
	}
}

func TestNewAndClose(t *testing.T) {
	core, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, core.Attachments())
	require.NoError(t, core.Close())
}

func TestOpenSessionVerifiesToken(t *testing.T) {
	ctx := context.Background()
	core, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer core.Close()

	require.NoError(t, core.Roster().Register(&roster.Agent{ID: "agent-1", DisplayName: "Dana", Available: true}))

	verifier := identity.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate(identity.Identity{UserID: "client-1", Role: identity.RoleClient}, time.Hour)
	require.NoError(t, err)

	sess, err := core.OpenSession(ctx, token, "")
	require.NoError(t, err)
	defer sess.Close()

	conv := sess.Conversation()
	assert.Equal(t, "client-1", conv.ClientID)
	assert.Equal(t, store.StatusPending, conv.Status)
	require.NotNil(t, conv.AgentID)
	assert.Equal(t, "agent-1", *conv.AgentID)
}

func TestOpenSessionRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	core, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)
	defer core.Close()

	_, err = core.OpenSession(ctx, "not-a-token", "")
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	other := identity.NewJWTVerifier([]byte("wrong-secret"))
	token, err := other.Generate(identity.Identity{UserID: "client-1", Role: identity.RoleClient}, time.Hour)
	require.NoError(t, err)

	_, err = core.OpenSession(ctx, token, "")
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	core, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
