package protocol

import (
	"errors"
	"fmt"
)

// Category classifies a client-facing rejection. The set is closed: clients
// branch on the machine-readable prefix of the OK message, so new
// categories are a protocol change, not a refactor.
type Category string

const (
	// CategoryInvalid covers structural failures, id mismatches, and bad
	// signatures.
	CategoryInvalid Category = "invalid"

	// CategoryPow marks insufficient proof-of-work difficulty.
	CategoryPow Category = "pow"

	// CategoryRestricted marks pubkey-based policy refusals, including the
	// web-of-trust gate.
	CategoryRestricted Category = "restricted"

	// CategoryRateLimited marks throttle refusals.
	CategoryRateLimited Category = "rate-limited"

	// CategoryAuthRequired marks publishes refused until the connection
	// completes the AUTH flow.
	CategoryAuthRequired Category = "auth-required"

	// CategoryError marks internal failures (storage exhaustion after
	// retries) surfaced to the client without detail leakage.
	CategoryError Category = "error"
)

// Rejection is the closed error type behind every OK(id, false, ...) reply.
type Rejection struct {
	Category Category
	Detail   string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return r.OKMessage()
}

// OKMessage renders the wire form: "<category>: <detail>".
func (r *Rejection) OKMessage() string {
	return fmt.Sprintf("%s: %s", r.Category, r.Detail)
}

// Reject builds a Rejection with a formatted detail.
func Reject(cat Category, format string, args ...any) *Rejection {
	return &Rejection{Category: cat, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err to a Rejection if one is in the chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
