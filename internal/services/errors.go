package services

import "errors"

var (
	// ErrTradeNotFound — the trigger referenced an id with no matching trade.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrInvalidTransition — the trigger's precondition does not match the
	// trade's current status, including a conditional update that lost its
	// race. A stale request, not a fault.
	ErrInvalidTransition = errors.New("invalid trade transition")

	// ErrValidation — the request itself is malformed. Wrapping messages name
	// the offending field; handlers surface them as 400s.
	ErrValidation = errors.New("invalid request")
)
