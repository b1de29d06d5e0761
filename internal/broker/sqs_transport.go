package broker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/IliaW/crawl-ingestor/internal/session"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of *sqs.Client the transport uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput,
		optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

// SQSTransport addresses queues by url. Queues whose url ends with .fifo get group and dedup ids.
type SQSTransport struct {
	session *session.Holder[SQSAPI]
}

func NewSQSTransport(factory session.Factory[SQSAPI], maxAge time.Duration, now func() time.Time) *SQSTransport {
	return &SQSTransport{session: session.NewHolder("sqs", factory, maxAge, now)}
}

func MustNewSQSTransport(cfg *config.Config) *SQSTransport {
	slog.Info("connecting to sqs...")
	t := NewSQSTransport(func(ctx context.Context) (SQSAPI, error) {
		return connectSQS(ctx, cfg.Env, cfg.QueueSettings.Sqs)
	}, cfg.QueueSettings.SessionMaxAge, nil)
	if err := t.Ping(context.Background()); err != nil {
		slog.Error("failed to connect to sqs.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to sqs!")

	return t
}

func (t *SQSTransport) Send(ctx context.Context, msg OutgoingMessage) (string, error) {
	api, err := t.session.Get(ctx)
	if err != nil {
		return "", err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(msg.Queue),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: make(map[string]types.MessageAttributeValue, len(msg.Attributes)),
	}
	for name, attr := range msg.Attributes {
		if attr.Value == "" {
			continue
		}
		in.MessageAttributes[name] = types.MessageAttributeValue{
			DataType:    aws.String(attr.DataType),
			StringValue: aws.String(attr.Value),
		}
	}
	if msg.GroupID != "" {
		in.MessageGroupId = aws.String(msg.GroupID)
	}
	if msg.DedupID != "" {
		in.MessageDeduplicationId = aws.String(msg.DedupID)
	}
	// fifo queues reject per-message delays
	if msg.DelaySeconds > 0 && !IsOrdered(msg.Queue) {
		in.DelaySeconds = msg.DelaySeconds
	}

	out, err := api.SendMessage(ctx, in)
	if err != nil {
		t.renewOnExpiry(err)
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (t *SQSTransport) Ping(ctx context.Context) error {
	api, err := t.session.Get(ctx)
	if err != nil {
		return err
	}
	_, err = api.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)})
	t.renewOnExpiry(err)
	return err
}

func (t *SQSTransport) Inspect(ctx context.Context, queue string) (map[string]string, error) {
	api, err := t.session.Get(ctx)
	if err != nil {
		return nil, err
	}
	out, err := api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queue),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameFifoQueue,
		},
	})
	if err != nil {
		t.renewOnExpiry(err)
		return nil, err
	}
	return out.Attributes, nil
}

func (t *SQSTransport) renewOnExpiry(err error) {
	if err != nil && session.IsExpiredCredentials(ErrorCode(err)) {
		slog.Warn("sqs credentials expired. renewing session.", slog.String("err", err.Error()))
		t.session.Invalidate()
	}
}

func connectSQS(ctx context.Context, env string, cfg *config.SqsConfig) (SQSAPI, error) {
	sqsConfig, err := awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(cfg.Region))
	if err != nil {
		slog.Error("failed to load sqs config.", slog.String("err", err.Error()))
		return nil, err
	}
	if env == "local" && cfg.AwsBaseEndpoint != "" {
		sqsConfig.BaseEndpoint = &cfg.AwsBaseEndpoint // for LocalStack
		sqsConfig.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		slog.Warn("test configuration for SQS")
	}

	return sqs.NewFromConfig(sqsConfig), nil
}
