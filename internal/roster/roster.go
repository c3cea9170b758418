// ABOUTME: Manages the support-agent roster and assigns agents to conversations.
// ABOUTME: Selection is load-based over available agents and idempotent per conversation.

package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jordanzfar/supportchat/internal/store"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already on the roster.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent is not on the roster.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNoAgentAvailable indicates no agent is currently available for assignment.
// Callers surface this as a recoverable, retryable condition, not a fatal one.
var ErrNoAgentAvailable = errors.New("no agent available")

// Agent describes a support agent as seen by the assignment policy.
// The roster mirrors an external agent directory; it is not the system of
// record for agent identity.
type Agent struct {
	ID          string
	DisplayName string
	Available   bool
}

// LoadCounter reports how many active conversations an agent currently holds.
// Backed by the conversation store so assignment survives process restarts.
type LoadCounter interface {
	CountActiveConversations(ctx context.Context, agentID string) (int, error)
}

// Manager holds the in-memory roster and implements the assignment policy.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	loads  LoadCounter
	logger *slog.Logger
}

// NewManager creates a roster manager. Pass nil logger for default.
func NewManager(loads LoadCounter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]*Agent),
		loads:  loads,
		logger: logger.With("component", "roster"),
	}
}

// Register adds an agent to the roster.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (m *Manager) Register(agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	m.agents[agent.ID] = agent
	m.logger.Info("agent registered",
		"agent_id", agent.ID,
		"name", agent.DisplayName,
		"available", agent.Available,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes an agent from the roster. Conversations already bound to
// the agent keep their binding; only new assignments are affected.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent, exists := m.agents[agentID]; exists {
		delete(m.agents, agentID)
		m.logger.Info("agent unregistered",
			"agent_id", agentID,
			"name", agent.DisplayName,
			"total_agents", len(m.agents),
		)
	}
}

// SetAvailability flips an agent's availability flag.
// Returns ErrAgentNotFound if the agent is not on the roster.
func (m *Manager) SetAvailability(agentID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[agentID]
	if !exists {
		return ErrAgentNotFound
	}
	agent.Available = available
	m.logger.Debug("agent availability changed", "agent_id", agentID, "available", available)
	return nil
}

// Get retrieves an agent by ID.
func (m *Manager) Get(agentID string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	copied := *agent
	return &copied, true
}

// List returns all agents on the roster, ordered by ID.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Assign resolves the agent for a conversation.
//
// Idempotent: if the conversation already has an agent bound, that agent is
// returned without reassignment, even if it has since left the roster (the
// binding outlives roster membership; display data degrades to the raw ID).
//
// For unbound conversations the available agent with the fewest active
// conversations wins; ties break on lowest agent ID for determinism. Returns
// ErrNoAgentAvailable when no available agent exists — the call never blocks
// waiting for one.
func (m *Manager) Assign(ctx context.Context, conv *store.Conversation) (*Agent, error) {
	if conv.AgentID != nil {
		if agent, ok := m.Get(*conv.AgentID); ok {
			return agent, nil
		}
		return &Agent{ID: *conv.AgentID, DisplayName: *conv.AgentID}, nil
	}

	candidates := m.availableAgents()
	if len(candidates) == 0 {
		return nil, ErrNoAgentAvailable
	}

	best := candidates[0]
	bestLoad := -1
	for _, agent := range candidates {
		load := 0
		if m.loads != nil {
			n, err := m.loads.CountActiveConversations(ctx, agent.ID)
			if err != nil {
				return nil, fmt.Errorf("counting load for agent %s: %w", agent.ID, err)
			}
			load = n
		}
		if bestLoad == -1 || load < bestLoad {
			best = agent
			bestLoad = load
		}
	}

	m.logger.Debug("agent assigned",
		"agent_id", best.ID,
		"conversation_id", conv.ID,
		"load", bestLoad)
	return best, nil
}

// availableAgents returns available agents sorted by ID.
func (m *Manager) availableAgents() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var available []*Agent
	for _, agent := range m.agents {
		if agent.Available {
			copied := *agent
			available = append(available, &copied)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })
	return available
}

// DisplayName resolves an agent ID to its display name, falling back to the
// raw ID when the agent is no longer on the roster. Used to annotate closed
// conversation history.
func (m *Manager) DisplayName(agentID string) string {
	if agent, ok := m.Get(agentID); ok && agent.DisplayName != "" {
		return agent.DisplayName
	}
	return agentID
}
