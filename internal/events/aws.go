package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snsTypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint string
}

func loadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes each event to a topic with kind and lead id as message
// attributes so subscribers can filter.
type SNS struct {
	client   snsAPI
	topicARN string
}

func NewSNS(ctx context.Context, cfg AWSConfig, topicARN string) (*SNS, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &SNS{client: client, topicARN: topicARN}, nil
}

func (p *SNS) Publish(ctx context.Context, e Event) error {
	body, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snsTypes.MessageAttributeValue{
			"kind":     {DataType: aws.String("String"), StringValue: aws.String(string(e.Kind))},
			"lead_id":  {DataType: aws.String("String"), StringValue: aws.String(e.LeadID)},
			"attempts": {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(e.Attempts))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish event to SNS: %w", err)
	}
	return nil
}

func (p *SNS) Close() error { return nil }

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS sends each event straight to a queue, for consumers without a topic.
type SQS struct {
	client   sqsAPI
	queueURL string
}

func NewSQS(ctx context.Context, cfg AWSConfig, queueURL string) (*SQS, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &SQS{client: client, queueURL: queueURL}, nil
}

func (p *SQS) Publish(ctx context.Context, e Event) error {
	body, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind":    {DataType: aws.String("String"), StringValue: aws.String(string(e.Kind))},
			"lead_id": {DataType: aws.String("String"), StringValue: aws.String(e.LeadID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send event to SQS: %w", err)
	}
	return nil
}

func (p *SQS) Close() error { return nil }
