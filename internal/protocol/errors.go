package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientTransport covers dropped writes, missed acks and mid-session
	// disconnects. These self-heal and never fail a caller.
	ErrTransientTransport = errors.New("protocol: transient transport error")
	// ErrBondingFailure is one failed bonding attempt. It is retried.
	ErrBondingFailure       = errors.New("protocol: bonding failed")
	ErrPermanentBondFailure = errors.New("protocol: bonding retry ceiling reached, re-pair required")
	ErrProtocolMismatch     = errors.New("protocol: protocol mismatch")
	ErrInvariantViolation   = errors.New("protocol: invariant violation")
	// ErrLinkDegraded is raised once repeated ack or CRC failures cross the
	// configured threshold.
	ErrLinkDegraded = errors.New("protocol: link degraded, check proximity and battery")
)

// SideError attaches the arm and operation to a link-layer failure.
type SideError struct {
	Side Side
	Op   string
	Err  error
}

func (e *SideError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
}

func (e *SideError) Unwrap() error {
	return e.Err
}

// WrapSide returns nil when err is nil.
func WrapSide(side Side, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SideError{Side: side, Op: op, Err: err}
}
