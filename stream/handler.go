package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/jacentio/espalier/cascade"
	"github.com/jacentio/espalier/hierarchy"
)

// BatchState is the terminal state of one processed batch.
type BatchState string

const (
	// StateSucceeded means every record's cascade completed cleanly; the
	// stream checkpoint may advance.
	StateSucceeded BatchState = "succeeded"

	// StatePartiallyFailed means some records failed after retry exhaustion
	// while others succeeded. The batch must be redelivered whole.
	StatePartiallyFailed BatchState = "partially_failed"

	// StateFailed means no record succeeded, or a configuration fault
	// aborted the batch.
	StateFailed BatchState = "failed"
)

// RecordResult pairs one stream record with its cascade outcome.
type RecordResult struct {
	// EventID is the stream record's identifier.
	EventID string

	// Outcome is nil for skipped records.
	Outcome *cascade.Outcome

	// Err is set for malformed records (non-fatal, record skipped) and for
	// fatal faults such as depth exhaustion.
	Err error

	// Skipped marks records that produced no deletion event.
	Skipped bool
}

// BatchResult reports one batch run.
type BatchResult struct {
	// BatchID correlates all log lines for this batch.
	BatchID string

	State   BatchState
	Records []RecordResult

	// Found and Deleted aggregate child counts across all records.
	Found   int
	Deleted int

	// Failures counts records whose cascade reported errors or aborted.
	Failures int
}

// Handler is the batch coordinator: it normalizes a stream batch and drives
// the delete executor for every resulting deletion event.
//
// Records sharing a partition key are processed strictly in stream order; a
// parent's REMOVE must cascade before a later record that references it.
// Distinct partition keys carry no ordering guarantee and run concurrently.
type Handler struct {
	schema     *hierarchy.Schema
	normalizer *Normalizer
	executor   *cascade.Executor
	logger     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(schema *hierarchy.Schema, executor *cascade.Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		schema:     schema,
		normalizer: NewNormalizer(schema),
		executor:   executor,
		logger:     logger,
	}
}

// HandleStream processes one stream batch and returns an error whenever the
// batch must be redelivered. Designed for lambda.Start.
func (h *Handler) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	result := h.ProcessBatch(ctx, event)
	if result.State == StateSucceeded {
		return nil
	}
	return fmt.Errorf("espalier: batch %s %s: %d of %d records failed",
		result.BatchID, result.State, result.Failures, len(result.Records))
}

// ProcessBatch runs the pipeline for every record in the batch and reports
// the batch outcome. Every operation inside is idempotent, so redelivering
// the whole batch after a failure is safe.
func (h *Handler) ProcessBatch(ctx context.Context, event events.DynamoDBEvent) *BatchResult {
	result := &BatchResult{
		BatchID: uuid.NewString(),
		State:   StateSucceeded,
	}
	logger := h.logger.With("batch", result.BatchID)

	groups := groupRecords(h.schema, event.Records)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(records []events.DynamoDBEventRecord) {
			defer wg.Done()
			for _, record := range records {
				rr := h.processRecord(ctx, logger, record)
				mu.Lock()
				result.Records = append(result.Records, rr)
				mu.Unlock()
			}
		}(group)
	}
	wg.Wait()

	finalize(result)

	logger.Info("batch complete",
		"state", result.State,
		"records", len(result.Records),
		"found", result.Found,
		"deleted", result.Deleted,
		"failures", result.Failures,
	)

	return result
}

// processRecord runs one record through normalize and the delete executor.
func (h *Handler) processRecord(ctx context.Context, logger *slog.Logger, record events.DynamoDBEventRecord) RecordResult {
	ev, err := h.normalizer.Normalize(record)
	if err != nil {
		// Malformed input is traced and skipped, never silently dropped.
		logger.Error("skipping malformed record",
			"eventID", record.EventID,
			"error", err,
		)
		return RecordResult{EventID: record.EventID, Err: err, Skipped: true}
	}
	if ev == nil {
		return RecordResult{EventID: record.EventID, Skipped: true}
	}

	logger.Info("cascading removal",
		"eventID", record.EventID,
		"type", ev.Type,
		"sequence", ev.Sequence,
	)

	outcome, err := h.executor.DeleteCascade(ctx, *ev)
	if err != nil {
		logger.Error("cascade aborted",
			"eventID", record.EventID,
			"type", ev.Type,
			"error", err,
		)
		return RecordResult{EventID: record.EventID, Outcome: outcome, Err: err}
	}

	for _, cerr := range outcome.Errors {
		logger.Warn("cascade branch failed",
			"eventID", record.EventID,
			"table", cerr.Table,
			"kind", cerr.Kind,
			"error", cerr.Err,
		)
	}

	return RecordResult{EventID: record.EventID, Outcome: outcome}
}

// finalize derives the batch state from the collected record results.
func finalize(result *BatchResult) {
	processed := 0
	for _, rr := range result.Records {
		if rr.Outcome != nil {
			result.Found += rr.Outcome.Found
			result.Deleted += rr.Outcome.Deleted
		}
		if rr.Skipped {
			continue
		}
		processed++
		if rr.Err != nil || (rr.Outcome != nil && rr.Outcome.Failed()) {
			result.Failures++
		}
	}

	switch {
	case result.Failures == 0:
		result.State = StateSucceeded
	case result.Failures == processed:
		result.State = StateFailed
	default:
		result.State = StatePartiallyFailed
	}
}

// groupRecords splits a batch into per-partition-key groups, preserving
// stream order within each group and first-appearance order across groups.
func groupRecords(schema *hierarchy.Schema, records []events.DynamoDBEventRecord) [][]events.DynamoDBEventRecord {
	index := make(map[string]int)
	var groups [][]events.DynamoDBEventRecord

	for _, record := range records {
		key := partitionKey(schema, record)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], record)
	}

	return groups
}

// partitionKey identifies the stream partition a record belongs to: the
// source table plus the value of the table's hash key attribute. Records
// from unknown tables fall back to their event ID, which keeps them isolated
// without blocking anything else.
func partitionKey(schema *hierarchy.Schema, record events.DynamoDBEventRecord) string {
	table := TableFromStreamARN(record.EventSourceArn)
	binding, ok := schema.BindingForTable(table)
	if !ok {
		return "unknown|" + record.EventID
	}

	hash, ok := record.Change.Keys[binding.HashAttr]
	if !ok {
		return "unknown|" + record.EventID
	}

	var value string
	switch hash.DataType() {
	case events.DataTypeString:
		value = hash.String()
	case events.DataTypeNumber:
		value = hash.Number()
	default:
		value = record.EventID
	}

	return table + "|" + value
}
