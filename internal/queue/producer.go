// Package queue hands voice messages to the transcription workers over Kafka.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/metrics"
	"dmserver/internal/models"
	"dmserver/internal/privacy"
	"dmserver/internal/retry"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned when no brokers were configured.
var ErrNotConfigured = errors.New("transcription queue not configured")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer publishes transcription jobs keyed by message id so every job for
// a message lands on the same partition.
type Producer struct {
	writer  messageWriter
	timeout time.Duration
	logger  *logrus.Logger
}

func NewProducer(cfg models.KafkaConfig, logger *logrus.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNotConfigured
	}
	topic := cfg.TranscriptionTopic
	if topic == "" {
		topic = constants.DefaultTranscriptionTopic
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newProducer(writer, cfg.TimeoutSec, logger), nil
}

func newProducer(writer messageWriter, timeoutSec int, logger *logrus.Logger) *Producer {
	if timeoutSec <= 0 {
		timeoutSec = constants.DefaultQueueTimeoutSec
	}
	return &Producer{
		writer:  writer,
		timeout: time.Duration(timeoutSec) * time.Second,
		logger:  logger,
	}
}

// Enqueue publishes a job, retrying broker failures according to policy.
func (p *Producer) Enqueue(ctx context.Context, job models.TranscriptionJob, policy retry.BackoffConfig) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode transcription job: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(job.MessageID),
		Value: value,
		Time:  job.RequestedAt,
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	start := time.Now()
	err = retry.NewBackoff(policy).Retry(ctx, func() error {
		writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.writer.WriteMessages(writeCtx, msg)
	})
	metrics.RecordTimer("queue_enqueue_duration", time.Since(start), nil)

	if err != nil {
		metrics.IncrementCounter("queue_enqueue_errors_total", nil)
		return fmt.Errorf("failed to enqueue transcription job: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(job.MessageID),
		"mime_type":  job.MimeType,
	}).Debug("Transcription job enqueued")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
