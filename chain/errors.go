package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Errors returned by the chain client split into two arms: transient failures
// the retry loop absorbs, and permanent failures that propagate to the caller.
var (
	ErrTransient = errors.New("transient chain error")
	ErrPermanent = errors.New("permanent chain error")

	// ErrNoHealthyEndpoint means every configured endpoint for the chain
	// exceeded the failure-rate threshold. The scheduler treats this as
	// fatal for the chain.
	ErrNoHealthyEndpoint = errors.New("no healthy rpc endpoint")
)

// transientErr wraps an underlying RPC failure so errors.Is(err, ErrTransient)
// holds while the cause stays inspectable.
type transientErr struct {
	cause error
	// rangeTooLarge marks the provider rejecting a log query for returning
	// too many results; the indexer halves its batch size on this.
	rangeTooLarge bool
}

func (e *transientErr) Error() string { return fmt.Sprintf("transient: %v", e.cause) }
func (e *transientErr) Unwrap() error { return e.cause }
func (e *transientErr) Is(target error) bool {
	return target == ErrTransient
}

type permanentErr struct {
	cause error
}

func (e *permanentErr) Error() string { return fmt.Sprintf("permanent: %v", e.cause) }
func (e *permanentErr) Unwrap() error { return e.cause }
func (e *permanentErr) Is(target error) bool {
	return target == ErrPermanent
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientErr{cause: err}
}

// RangeTooLarge wraps err as a transient range-too-large rejection, for
// callers that detect the condition themselves.
func RangeTooLarge(err error) error {
	if err == nil {
		return nil
	}
	return &transientErr{cause: err, rangeTooLarge: true}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentErr{cause: err}
}

// IsRangeTooLarge reports whether err is the provider refusing a log query
// because the block range produced too many results.
func IsRangeTooLarge(err error) bool {
	var te *transientErr
	return errors.As(err, &te) && te.rangeTooLarge
}

// Providers disagree on how they phrase log-range rejections; there is no
// error code to key on, so we sniff the message the way every indexer does.
var rangeTooLargeMarkers = []string{
	"query returned more than",
	"block range is too wide",
	"block range too large",
	"exceed maximum block range",
	"too many results",
	"response size exceeded",
	"413",
}

// classify sorts an RPC error into the transient/permanent taxonomy. Context
// cancellation passes through untouched so shutdown is never retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rangeTooLargeMarkers {
		if strings.Contains(msg, marker) {
			return &transientErr{cause: err, rangeTooLarge: true}
		}
	}
	for _, marker := range []string{
		"invalid argument", "invalid address", "method not found",
		"execution reverted", "abi:",
	} {
		if strings.Contains(msg, marker) {
			return &permanentErr{cause: err}
		}
	}
	// Timeouts, rate limits, 5xx, connection resets and everything else the
	// provider may throw at us: retry.
	return &transientErr{cause: err}
}
