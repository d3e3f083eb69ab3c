// internal/types/events.go
package types

// Event is the closed union of session events emitted by the engine and
// consumed by the bus's subscribers. The unexported marker method keeps the
// set of variants closed so switches over Event stay exhaustive.
type Event interface {
	sessionEvent()
}

// TextDelta carries one incremental chunk of streamed assistant text.
type TextDelta struct {
	Delta string
}

// TextComplete carries a full assistant text. Intermediate marks streamed
// text that is not yet the turn's final output.
type TextComplete struct {
	Text         string
	Intermediate bool
}

// Complete signals the end of a turn; the session is idle again.
type Complete struct{}

// ErrorEvent carries an untyped failure from the turn.
type ErrorEvent struct {
	Err error
}

// TypedError carries a structured failure message.
type TypedError struct {
	Message string
}

// Rewound is emitted after a successful rewind. Messages is the surviving
// history; PrefillText is the text of the truncated user message.
type Rewound struct {
	Messages    []Message
	PrefillText string
}

// Branched is emitted on the source session after a successful branch.
type Branched struct {
	Session     *Session
	PrefillText string
}

// Deleted signals that the session has been removed. It is the last event a
// subscriber will ever see for the session.
type Deleted struct{}

// PlanSubmitted signals that the agent proposed a plan while in safe mode.
type PlanSubmitted struct {
	Plan string
}

// UserMessage reports the status of an inbound user message.
type UserMessage struct {
	Status string
}

func (TextDelta) sessionEvent()     {}
func (TextComplete) sessionEvent()  {}
func (Complete) sessionEvent()      {}
func (ErrorEvent) sessionEvent()    {}
func (TypedError) sessionEvent()    {}
func (Rewound) sessionEvent()       {}
func (Branched) sessionEvent()      {}
func (Deleted) sessionEvent()       {}
func (PlanSubmitted) sessionEvent() {}
func (UserMessage) sessionEvent()   {}
