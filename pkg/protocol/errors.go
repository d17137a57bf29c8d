package protocol

// ErrorKind enumerates the wire-visible error classes. Kinds are stable
// protocol surface; clients switch on them.
type ErrorKind string

const (
	ErrBadFrame             ErrorKind = "bad_frame"
	ErrUnknownComponentType ErrorKind = "unknown_component_type"
	ErrComponentNotFound    ErrorKind = "component_not_found"
	ErrActionFailed         ErrorKind = "action_failed"
	ErrActionTimeout        ErrorKind = "action_timeout"
	ErrInvalidStateChange   ErrorKind = "invalid_state_change"
	ErrCyclicDependency     ErrorKind = "cyclic_dependency"
	ErrQueueOverflow        ErrorKind = "queue_overflow"
	ErrConflictUnresolved   ErrorKind = "conflict_unresolved"
	ErrIdleTimeout          ErrorKind = "idle_timeout"
	ErrInternal             ErrorKind = "internal"
)
