package types

import "errors"

// Sentinel errors shared across components. Adapters normalize vendor
// responses onto these so cancel/fetch stay idempotent.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderAlreadyDone  = errors.New("order already filled or canceled")
	ErrNotSupported      = errors.New("capability not supported")
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")
	ErrEndpointNotFound  = errors.New("endpoint not found")
	ErrStopped           = errors.New("component stopped")
)
