package executor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind buckets adapter errors into retry policies.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindNonceConflict       ErrorKind = "NONCE_CONFLICT"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindInvalidOrder        ErrorKind = "INVALID_ORDER"
	KindNetwork             ErrorKind = "NETWORK"
	KindExchange            ErrorKind = "EXCHANGE"
	KindUnknown             ErrorKind = "UNKNOWN"
)

// Fatal reports whether the kind ends the submission immediately.
func (k ErrorKind) Fatal() bool {
	return k == KindInsufficientBalance || k == KindInvalidOrder
}

// classifyRules is an ordered first-match-wins list over lowercased vendor
// messages. The ordering matters: rate-limit before nonce before balance
// before invalid before network before exchange, so that e.g. "rate limit
// timestamp" never lands in the nonce bucket.
var classifyRules = []struct {
	kind    ErrorKind
	needles []string
}{
	{KindRateLimited, []string{"429", "rate limit", "too many"}},
	{KindNonceConflict, []string{"nonce", "timestamp", "recvwindow", "request timestamp", "invalid signature", "time in force"}},
	{KindInsufficientBalance, []string{"insufficient", "balance", "margin"}},
	{KindInvalidOrder, []string{"invalid", "rejected", "post only"}},
	{KindNetwork, []string{"network", "timeout", "connection"}},
	{KindExchange, []string{"exchange", "server", "unavailable"}},
}

// Classify maps an adapter error onto its retry policy bucket.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// ClassifiedError carries the bucket along with the underlying error.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.Kind)), e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// KindOf extracts the kind from a classified error chain, defaulting to
// Classify on the raw message.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// absorbableCancel matches cancel responses that mean the order is already
// gone; an idempotent cancel treats these as success.
func absorbableCancel(err error) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"not found", "unknown order", "already", "filled", "canceled", "cancelled"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
