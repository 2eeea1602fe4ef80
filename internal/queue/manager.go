package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

// Manager owns the single pooled SQS client of the process and the
// resolved queue URLs. Creating a client per message is too expensive, so
// the manager is created at startup and shared by the publishers and the
// consumers.
type Manager struct {
	client    *sqs.Client
	queueURLs map[string]string
	logger    zerolog.Logger
}

// NewManager builds the SQS client from the ambient AWS configuration
// (credentials, region and endpoint from the environment) and resolves
// the URL of every named queue once.
func NewManager(ctx context.Context, queueNames []string, logger zerolog.Logger) (*Manager, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config failed: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg)

	urls := make(map[string]string, len(queueNames))
	for _, name := range queueNames {
		out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(name),
		})
		if err != nil {
			return nil, fmt.Errorf("resolve queue %q failed: %w", name, err)
		}
		urls[name] = aws.ToString(out.QueueUrl)
		logger.Info().Str("queue", name).Str("url", urls[name]).Msg("queue resolved")
	}
	return &Manager{client: client, queueURLs: urls, logger: logger}, nil
}

// URL returns the resolved URL for a named queue.
func (m *Manager) URL(queueName string) (string, error) {
	url, ok := m.queueURLs[queueName]
	if !ok {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}
	return url, nil
}

// Publish sends one message to the named FIFO queue. The group id is the
// project id, which serializes delivery per project. Deduplication relies
// on the queue's content-based deduplication.
func (m *Manager) Publish(ctx context.Context, queueName string, body []byte, groupID string) error {
	url, err := m.URL(queueName)
	if err != nil {
		return err
	}
	_, err = m.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:       aws.String(url),
		MessageBody:    aws.String(string(body)),
		MessageGroupId: aws.String(groupID),
	})
	if err != nil {
		return fmt.Errorf("send message to %q failed: %w", queueName, err)
	}
	return nil
}
