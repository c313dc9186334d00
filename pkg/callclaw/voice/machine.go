package voice

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
)

// State is the machine's position in the call lifecycle.
type State int

const (
	StateSetup State = iota
	StateGreeting
	StateListening
	StateProcessing
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Machine drives one voice call. Each call gets its own machine and its
// own in-memory session; nothing survives the call.
type Machine struct {
	cfg    *copilot.Config
	agent  *copilot.Agent
	store  *copilot.SessionStore
	emit   Emitter
	logger *slog.Logger

	state  State
	callID string
}

// NewMachine creates a machine for a single call.
func NewMachine(cfg *copilot.Config, agent *copilot.Agent, emit Emitter, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:    cfg,
		agent:  agent,
		store:  copilot.NewSessionStore(0, logger),
		emit:   emit,
		logger: logger.With("component", "voice"),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Run drives the call until disconnect, stream close, or context
// cancellation. The first event must be setup.
func (m *Machine) Run(ctx context.Context, events <-chan Event) error {
	m.state = StateSetup

	select {
	case <-ctx.Done():
		m.state = StateEnded
		return ctx.Err()
	case evt, ok := <-events:
		if !ok || evt.Type == EventDisconnect {
			m.state = StateEnded
			return nil
		}
		if evt.Type != EventSetup {
			m.state = StateEnded
			return fmt.Errorf("voice: expected setup event, got %q", evt.Type)
		}
		m.callID = evt.CallID
		if m.callID == "" {
			m.callID = uuid.New().String()
		}
		m.logger.Info("call started", "call_id", m.callID, "caller", evt.Caller)
	}

	session := m.store.GetOrCreate(copilot.KindVoice, m.callID)
	defer func() {
		m.store.Remove(copilot.KindVoice, m.callID)
		m.logger.Info("call ended", "call_id", m.callID)
	}()

	// Greeting: ask the model for a fresh opening line. The instruction
	// exchange is wiped afterwards so the conversation starts clean.
	m.state = StateGreeting
	greeting, pending, ended := m.runAgent(ctx, session, events, copilot.GreetingInstruction)
	if !ended && pending == nil {
		pending, ended = m.speak(ctx, events, greeting)
	}
	session.Clear()
	if ended {
		m.state = StateEnded
		return nil
	}

	m.state = StateListening
	for {
		var evt Event
		if pending != nil {
			evt, pending = *pending, nil
		} else {
			select {
			case <-ctx.Done():
				m.state = StateEnded
				return ctx.Err()
			case e, ok := <-events:
				if !ok {
					m.state = StateEnded
					return nil
				}
				evt = e
			}
		}

		switch evt.Type {
		case EventDisconnect:
			m.state = StateEnded
			return nil

		case EventPrompt:
			var reply string
			reply, pending, ended = m.runAgent(ctx, session, events, evt.Text)
			if !ended && pending == nil {
				pending, ended = m.speak(ctx, events, reply)
			}
			if ended {
				m.state = StateEnded
				return nil
			}
			m.state = StateListening

		case EventInterrupt, EventSetup:
			// Nothing in flight to interrupt; duplicate setup is noise.
			m.logger.Debug("ignoring event while listening", "type", evt.Type)
		}
	}
}

// runAgent executes one agent turn against the voice tool set, keeping
// watch on the line while the model works. A hangup mid-turn cancels the
// turn instead of waiting it out; a prompt mid-turn is carried over like
// a barge-in and the stale reply is never spoken. The hold phrase goes
// out before the first tool round so the line never sits silent during
// tool work.
func (m *Machine) runAgent(ctx context.Context, session *copilot.Session, events <-chan Event, text string) (reply string, pending *Event, ended bool) {
	m.state = StateProcessing

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type watchResult struct {
		pending      *Event
		disconnected bool
	}
	watched := make(chan watchResult, 1)
	go func() {
		var carry *Event
		for {
			select {
			case <-runCtx.Done():
				// Sweep anything already queued; it arrived during
				// the turn.
				for {
					select {
					case evt, ok := <-events:
						if !ok || evt.Type == EventDisconnect {
							watched <- watchResult{disconnected: true}
							return
						}
						if evt.Type == EventPrompt {
							evt := evt
							carry = &evt
						}
					default:
						watched <- watchResult{pending: carry}
						return
					}
				}
			case evt, ok := <-events:
				if !ok || evt.Type == EventDisconnect {
					watched <- watchResult{disconnected: true}
					cancel()
					return
				}
				if evt.Type == EventPrompt {
					evt := evt
					carry = &evt
				}
				// Interrupts have nothing to cut mid-turn.
			}
		}
	}()

	held := false
	hooks := copilot.RunHooks{
		OnToolRoundStart: func() {
			if held {
				return
			}
			held = true
			if err := m.emit(OutEvent{Type: OutSpeak, Text: m.cfg.Voice.HoldPhrase}); err != nil {
				m.logger.Warn("failed to emit hold phrase", "error", err)
			}
		},
	}

	systemPrompt := copilot.BuildSystemPrompt(m.cfg, copilot.KindVoice)
	content := []copilot.ContentBlock{copilot.TextBlock(text)}

	reply, err := m.agent.Run(runCtx, session, systemPrompt, content, hooks)

	cancel()
	res := <-watched
	if res.disconnected {
		return "", nil, true
	}
	if err != nil {
		m.logger.Error("agent run degraded", "call_id", m.callID, "error", err)
	}
	return reply, res.pending, false
}

// speak emits the reply as ordered sentence chunks. A prompt or interrupt
// arriving mid-emission cancels the unemitted remainder; already-emitted
// chunks stand. Returns the barge-in prompt (if any) and whether the call
// ended.
func (m *Machine) speak(ctx context.Context, events <-chan Event, text string) (pending *Event, ended bool) {
	m.state = StateSpeaking

	for _, chunk := range SplitSpeech(text) {
		select {
		case <-ctx.Done():
			return nil, true
		case evt, ok := <-events:
			if !ok || evt.Type == EventDisconnect {
				return nil, true
			}
			if evt.Type == EventPrompt {
				m.logger.Debug("barge-in, cancelling speech", "call_id", m.callID)
				return &evt, false
			}
			if evt.Type == EventInterrupt {
				m.logger.Debug("interrupt, cancelling speech", "call_id", m.callID)
				return nil, false
			}
		default:
		}

		if err := m.emit(OutEvent{Type: OutSpeak, Text: chunk}); err != nil {
			m.logger.Warn("emit failed, ending call", "error", err)
			return nil, true
		}
	}

	if err := m.emit(OutEvent{Type: OutEndOfTurn}); err != nil {
		return nil, true
	}
	return nil, false
}
