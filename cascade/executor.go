package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/espalier/internal/retry"
)

// Outcome summarizes one cascade, covering the entire subtree under the
// triggering event.
type Outcome struct {
	// Event is the deletion event that triggered the cascade.
	Event Event

	// Found counts children discovered at every level.
	Found int

	// Deleted counts children actually deleted this run. Replaying an
	// already-applied cascade reports zero.
	Deleted int

	// Errors lists failed branches in processing order.
	Errors []ChildError
}

// Failed reports whether any branch of the cascade failed.
func (o *Outcome) Failed() bool {
	return len(o.Errors) > 0
}

// ExecutorOptions configures the delete executor.
type ExecutorOptions struct {
	// MaxAttempts is the per-delete retry budget, including the first call.
	MaxAttempts int

	// RetryBase is the initial backoff interval.
	RetryBase time.Duration

	// RetryCeiling caps the backoff interval.
	RetryCeiling time.Duration

	// MaxDepth bounds cascade recursion. Exceeding it is a configuration
	// fault that fails the batch.
	MaxDepth int
}

// DefaultExecutorOptions returns the executor defaults: five attempts,
// 50ms-2s backoff, depth six.
func DefaultExecutorOptions() ExecutorOptions {
	p := retry.DefaultPolicy()
	return ExecutorOptions{
		MaxAttempts:  p.MaxAttempts,
		RetryBase:    p.Base,
		RetryCeiling: p.Ceiling,
		MaxDepth:     6,
	}
}

// Executor deletes the children the resolver finds, then feeds each deleted
// child back through the resolver as its own deletion event. Deletes are
// unconditional, so reprocessing a redelivered batch is safe.
type Executor struct {
	client   DynamoAPI
	resolver *Resolver
	policy   retry.Policy
	maxDepth int
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(client DynamoAPI, resolver *Resolver, opts ExecutorOptions, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultExecutorOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = def.RetryCeiling
	}
	if opts.MaxDepth < 1 {
		opts.MaxDepth = def.MaxDepth
	}
	return &Executor{
		client:   client,
		resolver: resolver,
		policy: retry.Policy{
			MaxAttempts: opts.MaxAttempts,
			Base:        opts.RetryBase,
			Ceiling:     opts.RetryCeiling,
		},
		maxDepth: opts.MaxDepth,
		logger:   logger,
	}
}

// DeleteCascade removes every dependent of the event, recursively. Per-child
// failures are collected in the Outcome; the returned error is non-nil only
// for faults that must abort the record, currently depth exhaustion.
func (e *Executor) DeleteCascade(ctx context.Context, ev Event) (*Outcome, error) {
	out := &Outcome{Event: ev}
	err := e.cascade(ctx, ev, 0, out)
	return out, err
}

func (e *Executor) cascade(ctx context.Context, ev Event, depth int, out *Outcome) error {
	if depth >= e.maxDepth {
		return fmt.Errorf("%w: %s at depth %d", ErrDepthExceeded, ev.Type, depth)
	}

	children, errs := e.resolver.Resolve(ctx, ev)
	out.Errors = append(out.Errors, errs...)
	out.Found += len(children)

	for _, child := range children {
		if err := e.deleteChild(ctx, child); err != nil {
			out.Errors = append(out.Errors, ChildError{
				Table: child.Table,
				Key:   child.Key,
				Kind:  KindDelete,
				Err:   err,
			})
			e.logger.Warn("child delete failed",
				"table", child.Table,
				"type", child.Type,
				"error", err,
			)
			// One failing branch must not abort its siblings.
			continue
		}
		out.Deleted++
		e.logger.Info("cascaded delete",
			"table", child.Table,
			"type", child.Type,
			"parent", ev.Type,
		)

		// The child's own cascade runs off the image captured by the query,
		// not a re-read: the row is already gone.
		next := Event{
			Type:     child.Type,
			Key:      child.Key,
			OldAttrs: child.Attrs,
			Sequence: ev.Sequence,
		}
		if err := e.cascade(ctx, next, depth+1, out); err != nil {
			return err
		}
	}

	return nil
}

// deleteChild issues an unconditional delete with bounded retries. DynamoDB
// treats deleting an absent key as success, which is exactly the idempotence
// at-least-once delivery requires.
func (e *Executor) deleteChild(ctx context.Context, child Child) error {
	return retry.Do(ctx, e.policy, func() error {
		_, err := e.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(child.Table),
			Key:       child.Key,
		})
		return err
	})
}
