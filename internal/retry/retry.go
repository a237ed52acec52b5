// Package retry provides bounded exponential backoff for DynamoDB calls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int

	// Base is the initial backoff interval.
	Base time.Duration

	// Ceiling caps the backoff interval.
	Ceiling time.Duration
}

// DefaultPolicy matches DynamoDB burst throttling: a handful of attempts with
// sub-second spacing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        50 * time.Millisecond,
		Ceiling:     2 * time.Second,
	}
}

// Do runs op, retrying transient faults with exponential backoff until the
// attempt budget or the context is exhausted. Non-transient errors abort
// immediately.
func Do(ctx context.Context, p Policy, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Ceiling
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// Transient reports whether err is a throttling or availability fault that a
// later attempt may clear.
func Transient(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return true
	}
	var internal *types.InternalServerError
	if errors.As(err, &internal) {
		return true
	}

	var api smithy.APIError
	if errors.As(err, &api) {
		switch api.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "ServiceUnavailableException", "LimitExceededException":
			return true
		}
	}

	return false
}
