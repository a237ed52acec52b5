// espalier-lambda runs the cascade engine as a DynamoDB Streams consumer
// behind an AWS Lambda event source mapping.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/espalier"
)

func main() {
	cfg, err := espalier.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatalf("load AWS config: %v", err)
	}

	handler, err := espalier.New(dynamodb.NewFromConfig(awsCfg), cfg, logger)
	if err != nil {
		log.Fatalf("wire engine: %v", err)
	}

	lambda.Start(handler.HandleStream)
}
