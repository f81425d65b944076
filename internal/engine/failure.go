package engine

import (
	"errors"
	"fmt"
)

// Kind classifies why an attempt failed.
type Kind string

// Failure kinds.
const (
	KindUnknownAction    Kind = "UnknownAction"
	KindInvalidPayload   Kind = "InvalidPayload"
	KindSessionAcquire   Kind = "SessionAcquisitionError"
	KindHandlerTimeout   Kind = "HandlerTimeout"
	KindHandlerExecution Kind = "HandlerExecutionError"
	KindStoreError       Kind = "StoreError"
)

// Failure is a classified attempt failure. Its text is what the ledger
// records as the task and run error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// IsKind reports whether err is a Failure of kind k.
func IsKind(err error, k Kind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == k
}

// panicError carries a recovered handler panic.
type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}
