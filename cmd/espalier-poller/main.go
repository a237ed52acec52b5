// espalier-poller tails the change streams of the bound tables and runs the
// cascade pipeline without a Lambda runtime. Intended for local development
// against dynamodb-local.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"github.com/jacentio/espalier"
	"github.com/jacentio/espalier/stream"
)

func main() {
	endpoint := flag.String("endpoint", "", "DynamoDB endpoint override (e.g. http://localhost:8000)")
	tables := flag.String("tables", "", "comma-separated tables to tail (default: all bound tables)")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	cfg, err := espalier.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatalf("load AWS config: %v", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if *endpoint != "" {
			o.BaseEndpoint = aws.String(*endpoint)
		}
	})
	streams := dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
		if *endpoint != "" {
			o.BaseEndpoint = aws.String(*endpoint)
		}
	})

	handler, err := espalier.New(ddb, cfg, logger)
	if err != nil {
		log.Fatalf("wire engine: %v", err)
	}

	tailed := []string{cfg.ClientsTable, cfg.PortfoliosTable, cfg.ItemsTable}
	if *tables != "" {
		tailed = strings.Split(*tables, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, table := range tailed {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			tail(ctx, ddb, streams, handler, logger, table, *interval)
		}(table)
	}
	wg.Wait()
}

// tail follows one table's stream, feeding each page of records through the
// batch coordinator. Failed batches are retried from the same iterator, which
// mirrors the redelivery behavior of a real event source mapping.
func tail(ctx context.Context, ddb *dynamodb.Client, streams *dynamodbstreams.Client, handler *stream.Handler, logger *slog.Logger, table string, interval time.Duration) {
	desc, err := ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		logger.Error("describe table", "table", table, "error", err)
		return
	}
	streamArn := aws.ToString(desc.Table.LatestStreamArn)
	if streamArn == "" {
		logger.Error("table has no stream", "table", table)
		return
	}

	iterators, err := shardIterators(ctx, streams, streamArn)
	if err != nil {
		logger.Error("open shards", "table", table, "error", err)
		return
	}
	logger.Info("tailing stream", "table", table, "shards", len(iterators))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for shard, iterator := range iterators {
			if iterator == "" {
				continue
			}
			out, err := streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
				ShardIterator: aws.String(iterator),
			})
			if err != nil {
				logger.Warn("get records", "table", table, "shard", shard, "error", err)
				continue
			}

			if len(out.Records) > 0 {
				batch := lambdaevents.DynamoDBEvent{
					Records: convertRecords(streamArn, out.Records),
				}
				if err := handler.HandleStream(ctx, batch); err != nil {
					// Leave the iterator in place so the batch redelivers.
					logger.Warn("batch failed, will retry", "table", table, "error", err)
					continue
				}
			}

			iterators[shard] = aws.ToString(out.NextShardIterator)
		}
	}
}

// shardIterators opens a TRIM_HORIZON iterator for every shard of the stream.
func shardIterators(ctx context.Context, streams *dynamodbstreams.Client, streamArn string) (map[string]string, error) {
	desc, err := streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
		StreamArn: aws.String(streamArn),
	})
	if err != nil {
		return nil, err
	}

	iterators := make(map[string]string, len(desc.StreamDescription.Shards))
	for _, shard := range desc.StreamDescription.Shards {
		out, err := streams.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
			StreamArn:         aws.String(streamArn),
			ShardId:           shard.ShardId,
			ShardIteratorType: streamtypes.ShardIteratorTypeTrimHorizon,
		})
		if err != nil {
			return nil, err
		}
		iterators[aws.ToString(shard.ShardId)] = aws.ToString(out.ShardIterator)
	}

	return iterators, nil
}

// convertRecords maps streams-API records onto the Lambda event shape the
// coordinator consumes.
func convertRecords(streamArn string, records []streamtypes.Record) []lambdaevents.DynamoDBEventRecord {
	converted := make([]lambdaevents.DynamoDBEventRecord, 0, len(records))
	for _, r := range records {
		rec := lambdaevents.DynamoDBEventRecord{
			EventID:        aws.ToString(r.EventID),
			EventName:      string(r.EventName),
			EventSourceArn: streamArn,
		}
		if r.Dynamodb != nil {
			rec.Change = lambdaevents.DynamoDBStreamRecord{
				Keys:           convertImage(r.Dynamodb.Keys),
				OldImage:       convertImage(r.Dynamodb.OldImage),
				NewImage:       convertImage(r.Dynamodb.NewImage),
				SequenceNumber: aws.ToString(r.Dynamodb.SequenceNumber),
			}
		}
		converted = append(converted, rec)
	}
	return converted
}

func convertImage(image map[string]streamtypes.AttributeValue) map[string]lambdaevents.DynamoDBAttributeValue {
	if image == nil {
		return nil
	}
	result := make(map[string]lambdaevents.DynamoDBAttributeValue, len(image))
	for k, v := range image {
		result[k] = convertAttr(v)
	}
	return result
}

func convertAttr(v streamtypes.AttributeValue) lambdaevents.DynamoDBAttributeValue {
	switch av := v.(type) {
	case *streamtypes.AttributeValueMemberS:
		return lambdaevents.NewStringAttribute(av.Value)
	case *streamtypes.AttributeValueMemberN:
		return lambdaevents.NewNumberAttribute(av.Value)
	case *streamtypes.AttributeValueMemberB:
		return lambdaevents.NewBinaryAttribute(av.Value)
	case *streamtypes.AttributeValueMemberBOOL:
		return lambdaevents.NewBooleanAttribute(av.Value)
	case *streamtypes.AttributeValueMemberSS:
		return lambdaevents.NewStringSetAttribute(av.Value)
	case *streamtypes.AttributeValueMemberNS:
		return lambdaevents.NewNumberSetAttribute(av.Value)
	case *streamtypes.AttributeValueMemberBS:
		return lambdaevents.NewBinarySetAttribute(av.Value)
	case *streamtypes.AttributeValueMemberL:
		list := make([]lambdaevents.DynamoDBAttributeValue, 0, len(av.Value))
		for _, item := range av.Value {
			list = append(list, convertAttr(item))
		}
		return lambdaevents.NewListAttribute(list)
	case *streamtypes.AttributeValueMemberM:
		return lambdaevents.NewMapAttribute(convertImage(av.Value))
	default:
		return lambdaevents.NewNullAttribute()
	}
}
