package protocol

import "fmt"

// UnknownVerbError is returned when no handler serves a verb.
type UnknownVerbError struct {
	Verb string
}

func (e *UnknownVerbError) Error() string {
	return fmt.Sprintf("protocol: unknown action: %q", e.Verb)
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Verb  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("protocol: %s: handler panic: %v", e.Verb, e.Value)
}

// RemoteError is a failure reported in a response body by another party.
type RemoteError struct {
	Verb    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
