// Package consumer runs the delivery loop shared by every checkout worker:
// receive one delivery, decode it, hand it to a Handler, then ack or reject.
package consumer

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned by Loop.Run when the broker connection goes away.
var ErrDisconnected = errors.New("consumer: broker connection lost")

// State is where a Loop is in its receive/handle/settle cycle.
type State int32

const (
	StateIdle State = iota
	StateAwaiting
	StateProcessing
	StateAcked
	StateNacked
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaiting:
		return "AWAITING_MESSAGE"
	case StateProcessing:
		return "PROCESSING"
	case StateAcked:
		return "ACKED"
	case StateNacked:
		return "NACKED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome is a handler's verdict on one event. The zero value is success.
type Outcome struct {
	err error
}

func Success() Outcome { return Outcome{} }

// Failure reports that the event could not be handled. A nil err still fails.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("handler failed")
	}
	return Outcome{err: err}
}

func (o Outcome) OK() bool   { return o.err == nil }
func (o Outcome) Err() error { return o.err }

// DecodeError wraps a payload that is not a checkout envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "undecodable delivery: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// PanicError is the failure recorded when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }
