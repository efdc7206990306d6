package purchase

import (
	"context"
	"errors"
	"fmt"
)

// FailureClass says whether a failed command may succeed on another attempt.
type FailureClass int

const (
	ClassNone FailureClass = iota
	ClassTransient
	ClassBusiness
)

func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassBusiness:
		return "business"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Business reasons reported by the inventory and currency services.
const (
	ReasonUnknownItem       = "unknown item"
	ReasonInsufficientFunds = "insufficient funds"
	ReasonInsufficientItems = "insufficient items"
	ReasonUnknownUser       = "unknown user"
	ReasonInvalidQuantity   = "invalid quantity"
	ReasonNoRoute           = "no route for command"
)

var businessReasons = map[string]struct{}{
	ReasonUnknownItem:       {},
	ReasonInsufficientFunds: {},
	ReasonInsufficientItems: {},
	ReasonUnknownUser:       {},
	ReasonInvalidQuantity:   {},
	ReasonNoRoute:           {},
}

// IsBusinessReason reports whether reason belongs to the closed set of
// failures that retrying cannot fix.
func IsBusinessReason(reason string) bool {
	_, ok := businessReasons[reason]
	return ok
}

// CommandError is returned by senders to classify a failed command.
type CommandError struct {
	Class  FailureClass
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s failure: %s: %v", e.Class, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
	default:
		return fmt.Sprintf("%s failure: %s", e.Class, e.Reason)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// Business marks a non-retryable failure.
func Business(reason string) error {
	return &CommandError{Class: ClassBusiness, Reason: reason}
}

// Transient marks a failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Class: ClassTransient, Err: err}
}

// Classify reports the failure class of err. Unclassified errors are treated
// as transient; a reason from the business set is business even when the
// sender did not wrap it.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		if ce.Class == ClassBusiness || IsBusinessReason(ce.Reason) {
			return ClassBusiness
		}
		return ClassTransient
	}
	if errors.Is(err, ErrUnknownItem) {
		return ClassBusiness
	}
	return ClassTransient
}

// FailureReason extracts a human readable reason for a fault event.
func FailureReason(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
