// Package espalier keeps a hierarchy of DynamoDB tables referentially intact
// by cascading deletions. It consumes a table's change stream, reacts to
// REMOVE records, discovers dependent rows through index queries, and deletes
// them recursively.
//
// # Pipeline
//
// A stream batch flows through four stages:
//
//   - the batch coordinator ([stream.Handler]) orders records per partition
//     key and fans independent partitions out concurrently
//   - the normalizer turns each REMOVE record into a deletion event built
//     from the row's pre-deletion image
//   - the resolver ([cascade.Resolver]) runs the registered rules as
//     equality queries against each child table's lookup index
//   - the executor ([cascade.Executor]) deletes every child with bounded
//     retries and feeds each deleted child back through the resolver
//
// Deletes are unconditional and deleting an absent key succeeds, so the
// whole pipeline is idempotent: the stream may redeliver any batch and the
// second pass is a no-op.
//
// # Usage
//
// Wire the engine at startup and hand its handler to the Lambda runtime:
//
//	cfg, err := espalier.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h, err := espalier.New(dynamodb.NewFromConfig(awsCfg), cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lambda.Start(h.HandleStream)
//
// Applications with their own hierarchy declare it through
// [hierarchy.Registry] and [NewWithRegistry]; rule validation runs before the
// first batch, so cyclic or unbound rules fail at startup.
//
// # Failure model
//
// Malformed records are logged and skipped. A failing branch of a cascade
// never aborts its siblings; exhausted retries are collected per child in
// the [cascade.Outcome]. Any exhausted failure fails the batch so the event
// source redelivers it whole.
package espalier
