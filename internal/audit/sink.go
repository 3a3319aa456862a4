// Package audit implements the buffered audit sink. Events are accepted
// without blocking the caller, batched in the background, and flushed to S3
// as zstd-compressed JSONL objects. A denylisted subset of event types
// triggers an immediate flush instead of waiting for the periodic one.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"tiergate/internal/types"
)

// S3Putter abstracts the S3 PutObject operation for testability.
// Production code uses the *s3.Client from aws-sdk-go-v2.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds the sink's buffering parameters.
type Config struct {
	Bucket string
	Prefix string

	// BufferSize is the capacity of the intake channel. Events arriving
	// while it is full are dropped with an error log; audit must never
	// block or fail the operation being audited.
	BufferSize int

	// MaxBatch is the number of events that forces a flush before the
	// interval elapses.
	MaxBatch int

	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
}

// Sink implements types.AuditSink with background batching. Events that
// fail to flush are retained and retried on the next flush.
type Sink struct {
	cfg     Config
	client  S3Putter
	clock   types.Clock
	logger  types.Logger
	encoder *zstd.Encoder

	events   chan types.AuditEvent
	flushNow chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSink creates the sink and starts its background flush loop.
func NewSink(cfg Config, client S3Putter, clock types.Clock, logger types.Logger) (*Sink, error) {
	cfg.applyDefaults()

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("audit sink: failed to create zstd encoder: %w", err)
	}

	s := &Sink{
		cfg:      cfg,
		client:   client,
		clock:    clock,
		logger:   logger,
		encoder:  encoder,
		events:   make(chan types.AuditEvent, cfg.BufferSize),
		flushNow: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record accepts an event for background delivery. It never blocks: if the
// buffer is full the event is dropped and logged. Missing IDs and timestamps
// are filled in here so callers only supply what they know.
func (s *Sink) Record(_ context.Context, event types.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}

	select {
	case s.events <- event:
	default:
		s.logger.Error("audit buffer full; dropping event",
			"event_type", string(event.Type), "actor_id", event.ActorID)
		return
	}

	if event.Type.RequiresImmediateFlush() {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and drains remaining events. It returns when
// the final flush completes or the context expires.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink: shutdown incomplete: %w", ctx.Err())
	}
}

func (s *Sink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []types.AuditEvent
	for {
		select {
		case ev := <-s.events:
			pending = append(pending, ev)
			if len(pending) >= s.cfg.MaxBatch {
				pending = s.flush(pending)
			}
		case <-s.flushNow:
			pending = append(pending, s.drainIntake()...)
			pending = s.flush(pending)
		case <-ticker.C:
			if len(pending) > 0 {
				pending = s.flush(pending)
			}
		case <-s.stop:
			pending = append(pending, s.drainIntake()...)
			s.flush(pending)
			return
		}
	}
}

// drainIntake empties the intake channel without blocking.
func (s *Sink) drainIntake() []types.AuditEvent {
	var drained []types.AuditEvent
	for {
		select {
		case ev := <-s.events:
			drained = append(drained, ev)
		default:
			return drained
		}
	}
}

// flush writes the batch to S3. On failure the batch is retained for the
// next flush, trimmed to BufferSize from the newest end so a persistent
// outage cannot grow memory without bound.
func (s *Sink) flush(batch []types.AuditEvent) []types.AuditEvent {
	if len(batch) == 0 {
		return nil
	}

	body, err := s.encodeBatch(batch)
	if err != nil {
		// Marshal failures are not retryable; drop the batch.
		s.logger.Error("failed to encode audit batch; dropping",
			"count", len(batch), "error", err)
		return nil
	}

	key := s.batchKey()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		s.logger.Error("failed to flush audit batch; retaining for retry",
			"count", len(batch), "key", key, "error", err)
		if len(batch) > s.cfg.BufferSize {
			batch = batch[len(batch)-s.cfg.BufferSize:]
		}
		return batch
	}

	s.logger.Info("audit batch flushed", "count", len(batch), "key", key)
	return nil
}

// encodeBatch serializes events as JSONL and compresses with zstd.
func (s *Sink) encodeBatch(batch []types.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
	}
	return s.encoder.EncodeAll(buf.Bytes(), nil), nil
}

// batchKey builds a date-partitioned object key so batches are queryable by
// day without listing the whole bucket.
func (s *Sink) batchKey() string {
	now := s.clock.Now()
	return fmt.Sprintf("%s/%s/audit-%s-%s.jsonl.zst",
		s.cfg.Prefix,
		now.Format("2006/01/02"),
		now.Format("150405"),
		uuid.NewString()[:8],
	)
}
