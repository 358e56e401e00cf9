package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures the SNS publisher. Endpoint is optional (localstack).
type SNSConfig struct {
	Region   string
	TopicARN string
	Endpoint string
}

// SNSPublisher fans ledger events out through an SNS topic.
type SNSPublisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSPublisher loads AWS credentials from the default chain.
func NewSNSPublisher(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPublisher, error) {
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("sns topic arn required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSNSPublisher(client, cfg.TopicARN, logger), nil
}

func newSNSPublisher(client snsAPI, topicARN string, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *SNSPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug("Published ledger event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}
