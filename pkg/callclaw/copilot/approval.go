// Package copilot implements the agentic orchestration core: the agent loop,
// LLM client, tool registry, command classification, approval gating and
// conversational session state shared by the text and voice channels.
package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout is how long a destructive command waits for the
// user's APPROVE/DENY reply before expiring.
const DefaultApprovalTimeout = 5 * time.Minute

// ErrApprovalTimeout reports that an approval expired before the user
// responded. Callers surface it differently from an explicit denial.
var ErrApprovalTimeout = errors.New("approval request timed out")

// ApprovalStatus is the lifecycle state of an approval record. Pending is
// the only non-terminal state; transitions out of it are one-way.
type ApprovalStatus int

const (
	ApprovalPending ApprovalStatus = iota
	ApprovalApproved
	ApprovalDenied
	ApprovalExpired
)

func (s ApprovalStatus) String() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalApproved:
		return "approved"
	case ApprovalDenied:
		return "denied"
	case ApprovalExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ApprovalResult is delivered to the waiter when a record leaves Pending.
type ApprovalResult struct {
	Status ApprovalStatus
}

// PendingApproval is one destructive command awaiting a human verdict.
type PendingApproval struct {
	ID        string
	Command   string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time

	status ApprovalStatus
	timer  *time.Timer
	result chan ApprovalResult
}

// ApprovalManager tracks pending approvals and resolves them exactly once.
// Every path out of Pending (user verdict, expiry timer, sweep) goes through
// the same guarded transition, so racing resolvers cannot double-fire.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	timeout time.Duration
	logger  *slog.Logger
}

// NewApprovalManager creates an approval manager. A zero timeout selects
// DefaultApprovalTimeout.
func NewApprovalManager(timeout time.Duration, logger *slog.Logger) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		pending: make(map[string]*PendingApproval),
		timeout: timeout,
		logger:  logger.With("component", "approval_manager"),
	}
}

// Request registers a pending approval for a destructive command and returns
// its ID plus the prompt to send to the user. The caller then blocks on Wait.
func (m *ApprovalManager) Request(sessionID, command string) (id string, prompt string) {
	id = strings.ToUpper(uuid.New().String()[:8])
	now := time.Now()

	pa := &PendingApproval{
		ID:        id,
		Command:   command,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		status:    ApprovalPending,
		result:    make(chan ApprovalResult, 1),
	}
	pa.timer = time.AfterFunc(m.timeout, func() {
		m.transition(id, ApprovalExpired)
	})

	m.mu.Lock()
	m.pending[id] = pa
	m.mu.Unlock()

	prompt = fmt.Sprintf(
		"⚠️ Approval required to run:\n```\n%s\n```\nReply APPROVE %s or DENY %s within %d minutes.",
		command, id, id, int(m.timeout.Minutes()))

	m.logger.Info("approval requested", "id", id, "session", sessionID)
	return id, prompt
}

// Wait blocks until the approval reaches a terminal state. It returns
// (true, nil) on approval, (false, nil) on explicit denial and
// (false, ErrApprovalTimeout) on expiry. The record is removed afterwards.
func (m *ApprovalManager) Wait(id string) (bool, error) {
	m.mu.Lock()
	pa, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("approval not found: %s", id)
	}

	res := <-pa.result

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	switch res.Status {
	case ApprovalApproved:
		return true, nil
	case ApprovalExpired:
		return false, ErrApprovalTimeout
	default:
		return false, nil
	}
}

// Resolve applies the user's verdict. It returns false when the ID is
// unknown, belongs to another session, or the record already left Pending
// (the command never runs in those cases).
func (m *ApprovalManager) Resolve(id, sessionID string, approve bool) bool {
	id = strings.ToUpper(strings.TrimSpace(id))

	m.mu.Lock()
	pa, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if sessionID != "" && pa.SessionID != sessionID {
		m.logger.Warn("approval resolve rejected: session mismatch",
			"id", id, "requested_session", sessionID)
		return false
	}

	status := ApprovalDenied
	if approve {
		status = ApprovalApproved
	}
	return m.transition(id, status)
}

// transition moves a record out of Pending exactly once. The first caller
// wins; later callers (a late timer, a duplicate reply, the sweep) see a
// terminal status and return false.
func (m *ApprovalManager) transition(id string, status ApprovalStatus) bool {
	m.mu.Lock()
	pa, ok := m.pending[id]
	if !ok || pa.status != ApprovalPending {
		m.mu.Unlock()
		return false
	}
	pa.status = status
	if pa.timer != nil {
		pa.timer.Stop()
	}
	m.mu.Unlock()

	pa.result <- ApprovalResult{Status: status}

	m.logger.Info("approval resolved", "id", id, "status", status.String())
	return true
}

// SweepExpired expires any pending record past its deadline. The timers
// normally handle this; the sweep is the periodic backstop and uses the same
// transition, so a record can only expire once.
func (m *ApprovalManager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	var due []string
	for id, pa := range m.pending {
		if pa.status == ApprovalPending && now.After(pa.ExpiresAt) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range due {
		if m.transition(id, ApprovalExpired) {
			n++
		}
	}
	return n
}

// PendingCount reports how many approvals are still awaiting a verdict.
func (m *ApprovalManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
