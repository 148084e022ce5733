package metering

import (
	"errors"
	"fmt"
)

// ErrInvalidSignature is returned for any failed inbound verification.
var ErrInvalidSignature = errors.New("invalid partner signature")

// Op names the partner operation that failed.
type Op string

const (
	OpVerify   Op = "verify"
	OpReport   Op = "report"
	OpLiveness Op = "liveness"
)

// MeteringError wraps a failed exchange with the billing partner.
type MeteringError struct {
	Op     Op
	Status int
	Body   string
	Err    error
}

func (e *MeteringError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("metering %s failed (status=%d): %v", e.Op, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("metering %s failed: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("metering %s failed (status=%d): %s", e.Op, e.Status, e.Body)
	default:
		return fmt.Sprintf("metering %s failed (status=%d)", e.Op, e.Status)
	}
}

func (e *MeteringError) Unwrap() error {
	return e.Err
}
