package engine

// Event is the tagged union consumed by Next. Upstream payloads are mapped
// onto one of these before reaching the engine.
type Event interface {
	isEvent()
}

// ApproveEvent is an approve decision at Level.
type ApproveEvent struct {
	Actor string
	Level int
}

// RejectEvent is a reject decision at Level.
type RejectEvent struct {
	Actor  string
	Level  int
	Reason string
}

// EscalateEvent is emitted by the SLA sweep for an overdue level.
type EscalateEvent struct {
	Level int
}

// CancelEvent withdraws a non-terminal request.
type CancelEvent struct {
	Actor string
}

// ReviseEvent reopens a rejected request.
type ReviseEvent struct {
	Actor string
}

func (ApproveEvent) isEvent()  {}
func (RejectEvent) isEvent()   {}
func (EscalateEvent) isEvent() {}
func (CancelEvent) isEvent()   {}
func (ReviseEvent) isEvent()   {}
