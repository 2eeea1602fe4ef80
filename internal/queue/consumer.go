package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvlab/accounting/internal/config"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/metrics"
	"github.com/openvlab/accounting/internal/repository"
)

const (
	// maxMessages is 1 so FIFO per-group serialization is respected: no
	// more messages of a group are delivered until this one is deleted
	// or becomes visible again.
	maxMessages       = 1
	visibilityTimeout = 30 // seconds
	waitTimeSeconds   = 20 // long polling
)

// handlerFunc consumes one decoded message inside tx and returns the job
// the event applied to, if any.
type handlerFunc func(ctx context.Context, tx *sql.Tx, body []byte, now time.Time) (uuid.NullUUID, error)

// Consumer is the shared receive loop of the three queue consumers.
// Each received message is processed in a fresh database transaction;
// the Event row is upserted whether processing succeeded or failed, and
// the message is deleted from the queue only on success.
type Consumer struct {
	name      string
	queueName string
	db        *sql.DB
	manager   *Manager
	window    TimestampWindow
	errSleep  time.Duration
	handler   handlerFunc
	logger    zerolog.Logger
}

func newConsumer(
	name, queueName string,
	db *sql.DB,
	manager *Manager,
	cfg *config.Config,
	handler handlerFunc,
	logger zerolog.Logger,
) *Consumer {
	return &Consumer{
		name:      name,
		queueName: queueName,
		db:        db,
		manager:   manager,
		window:    windowFromConfig(cfg),
		errSleep:  cfg.SQSErrorSleep,
		handler:   handler,
		logger:    logger.With().Str("task", name).Str("queue", queueName).Logger(),
	}
}

func windowFromConfig(cfg *config.Config) TimestampWindow {
	return TimestampWindow{
		MaxPast:   cfg.MaxPastEventDelta,
		MaxFuture: cfg.MaxFutureEventDelta,
	}
}

// Run receives and dispatches messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	url, err := c.manager.URL(c.queueName)
	if err != nil {
		return err
	}
	c.logger.Info().Msg("consumer started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runOnce(ctx, url); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Error().Err(err).Msg("client error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.errSleep):
			}
		}
	}
}

// runOnce long-polls one batch and processes it. The message is deleted
// only after the handler committed: a crash in between means redelivery,
// which the Event upsert absorbs idempotently.
func (c *Consumer) runOnce(ctx context.Context, url string) error {
	out, err := c.manager.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl: aws.String(url),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameMessageGroupId,
			types.MessageSystemAttributeNameSenderId,
			types.MessageSystemAttributeNameSentTimestamp,
			types.MessageSystemAttributeNameSequenceNumber,
		},
		MaxNumberOfMessages: maxMessages,
		VisibilityTimeout:   visibilityTimeout,
		WaitTimeSeconds:     waitTimeSeconds,
	})
	if err != nil {
		return err
	}
	c.logger.Debug().Int("messages", len(out.Messages)).Msg("messages received")
	for _, msg := range out.Messages {
		if c.processMessage(ctx, msg) {
			_, err := c.manager.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(url),
				ReceiptHandle: msg.ReceiptHandle,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func messageAttributes(msg types.Message) domain.Params {
	if len(msg.Attributes) == 0 {
		return nil
	}
	attrs := make(domain.Params, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	return attrs
}

// processMessage runs the handler in its own transaction and records the
// outcome. On success the Event row commits together with the handler's
// work; on failure the work is rolled back first, so the FAILED marker
// never coexists with partial accounting state.
func (c *Consumer) processMessage(ctx context.Context, msg types.Message) bool {
	now := time.Now().UTC()
	messageID := aws.ToString(msg.MessageId)
	body := aws.ToString(msg.Body)
	event := repository.UpsertEventParams{
		MessageID:  messageID,
		QueueName:  c.queueName,
		Attributes: messageAttributes(msg),
		Body:       body,
	}

	err := database.RunInTx(ctx, c.db, func(tx *sql.Tx) error {
		jobID, err := c.handler(ctx, tx, []byte(body), now)
		if err != nil {
			return err
		}
		completed := event
		completed.Status = constants.EventCompleted
		completed.JobID = jobID
		_, err = repository.NewGroup(tx).Event.Upsert(ctx, completed)
		return err
	})
	if err == nil {
		metrics.ConsumedMessages.WithLabelValues(c.queueName, "completed").Inc()
		return true
	}

	metrics.ConsumedMessages.WithLabelValues(c.queueName, "failed").Inc()
	c.logger.Error().Err(err).Str("message_id", messageID).Msg("error processing message")
	failed := event
	failed.Status = constants.EventFailed
	failed.Error = sql.NullString{String: err.Error(), Valid: true}
	upsertErr := database.RunInTx(ctx, c.db, func(tx *sql.Tx) error {
		_, err := repository.NewGroup(tx).Event.Upsert(ctx, failed)
		return err
	})
	if upsertErr != nil {
		c.logger.Error().Err(upsertErr).Str("message_id", messageID).
			Msg("error recording failed event")
	}
	return false
}
