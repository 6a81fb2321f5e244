package hwi

import "time"

// Default operation budgets. Queries answer without human involvement;
// confirm-class operations wait for a person to read a screen and press a
// button, so their budget is orders of magnitude longer.
const (
	DefaultQueryTimeout   = 2 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
)

// Options carries the caller-tunable knobs shared by all adapters. The zero
// value is usable; Normalize fills in defaults.
type Options struct {
	// QueryTimeout bounds pure queries (fingerprint, xpub, version) when
	// the caller's context has no deadline of its own.
	QueryTimeout time.Duration

	// ConfirmTimeout bounds operations that wait for physical user
	// confirmation (register, display address, sign).
	ConfirmTimeout time.Duration
}

// Normalize returns a copy with zero fields replaced by defaults.
func (o Options) Normalize() Options {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = DefaultQueryTimeout
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	return o
}
