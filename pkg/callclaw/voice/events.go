// Package voice implements the duplex voice call session: a per-call state
// machine driven by transcript events, speaking replies back as ordered
// sentence chunks with barge-in support.
package voice

// EventType identifies an inbound call event.
type EventType string

const (
	// EventSetup opens the call and carries its metadata.
	EventSetup EventType = "setup"
	// EventPrompt carries a finished user transcript.
	EventPrompt EventType = "prompt"
	// EventInterrupt signals the user started talking over the assistant.
	EventInterrupt EventType = "interrupt"
	// EventDisconnect ends the call.
	EventDisconnect EventType = "disconnect"
)

// Event is one inbound message from the call transport.
type Event struct {
	Type EventType `json:"type"`

	// CallID identifies the call (setup only).
	CallID string `json:"call_id,omitempty"`

	// Caller is the caller identity (setup only).
	Caller string `json:"caller,omitempty"`

	// Text is the user transcript (prompt only).
	Text string `json:"text,omitempty"`
}

// Outbound event types.
const (
	// OutSpeak carries one chunk of text to synthesize.
	OutSpeak = "speak"
	// OutEndOfTurn marks the end of the assistant's reply.
	OutEndOfTurn = "end-of-turn"
)

// OutEvent is one outbound message to the call transport.
type OutEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Emitter delivers outbound events to the transport.
type Emitter func(OutEvent) error
