package hwi

import (
	"errors"
	"fmt"
)

// The closed error taxonomy. Every adapter maps vendor failures into one of
// these before anything crosses the Device interface; raw vendor codes never
// reach the caller.
var (
	// ErrDeviceNotFound is returned when no device matches the requested
	// identity, or a transport endpoint has nothing behind it.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDisconnected is returned when the transport under a handle died.
	// The handle is unusable afterwards.
	ErrDisconnected = errors.New("device disconnected")

	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrUserRejected is returned when the request was declined on the
	// device screen. Never retried: a human said no.
	ErrUserRejected = errors.New("user rejected on device")

	// ErrUnsupported is returned when the device or its firmware cannot
	// perform the requested operation.
	ErrUnsupported = errors.New("operation not supported by device")

	// ErrProtocol is returned on malformed or unexpected wire data,
	// including signature merge conflicts.
	ErrProtocol = errors.New("protocol error")

	// ErrPolicyMismatch is returned when a signing request is incompatible
	// with the wallet policy registered on the device.
	ErrPolicyMismatch = errors.New("policy mismatch")

	// ErrPairingRequired is returned when an encrypted channel has no
	// valid pairing, or a device session is locked pending unlock.
	ErrPairingRequired = errors.New("pairing required")
)

// OpError decorates a taxonomy error with enough context for the caller to
// decide whether to retry, prompt again, or abort.
type OpError struct {
	// Device identifies the handle the operation ran against.
	Device string
	// Op is the capability operation name, e.g. "sign_psbt".
	Op string
	// Err is one of the taxonomy sentinels, possibly wrapped.
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err with device and operation context. A nil err returns
// nil so call sites can wrap unconditionally.
func NewOpError(device, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Device: device, Op: op, Err: err}
}
