package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"tiergate/internal/types"
)

// mockS3Putter records PutObject calls and can fail a configurable number
// of times before succeeding.
type mockS3Putter struct {
	mu        sync.Mutex
	calls     []*capturedPut
	failFirst int
}

type capturedPut struct {
	bucket string
	key    string
	body   []byte
}

func (m *mockS3Putter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFirst > 0 {
		m.failFirst--
		return nil, errors.New("S3 unavailable")
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.calls = append(m.calls, &capturedPut{
		bucket: *params.Bucket,
		key:    *params.Key,
		body:   body,
	})
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Putter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockS3Putter) lastCall() *capturedPut {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// decodeBatch decompresses a flushed batch and parses its JSONL events.
func decodeBatch(t *testing.T, body []byte) []types.AuditEvent {
	t.Helper()
	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create zstd reader: %v", err)
	}
	defer dec.Close()

	var events []types.AuditEvent
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		var ev types.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("failed to unmarshal event line: %v", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	return events
}

type testClock struct{ t time.Time }

func (c testClock) Now() time.Time { return c.t }

func newTestSink(t *testing.T, cfg Config, client S3Putter) *Sink {
	t.Helper()
	if cfg.Bucket == "" {
		cfg.Bucket = "tiergate-audit"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "events"
	}
	clock := testClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	sink, err := NewSink(cfg, client, clock, types.NewSlogLogger(nil))
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	return sink
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSink_FlushesWhenBatchFull(t *testing.T) {
	client := &mockS3Putter{}
	sink := newTestSink(t, Config{MaxBatch: 3, FlushInterval: time.Hour}, client)
	defer sink.Close(context.Background())

	for i := 0; i < 3; i++ {
		sink.Record(context.Background(), types.AuditEvent{
			Type:    types.AuditQuotaDenied,
			ActorID: "user_1",
		})
	}

	waitFor(t, func() bool { return client.callCount() == 1 }, "expected one flush when batch fills")

	events := decodeBatch(t, client.lastCall().body)
	if len(events) != 3 {
		t.Fatalf("expected 3 events in batch, got %d", len(events))
	}
	for _, ev := range events {
		if ev.ID == "" {
			t.Error("expected event ID to be assigned")
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected event timestamp to be assigned")
		}
		if ev.Type != types.AuditQuotaDenied {
			t.Errorf("unexpected event type %s", ev.Type)
		}
	}
}

func TestSink_PeriodicFlush(t *testing.T) {
	client := &mockS3Putter{}
	sink := newTestSink(t, Config{MaxBatch: 100, FlushInterval: 20 * time.Millisecond}, client)
	defer sink.Close(context.Background())

	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditCheckoutStarted, ActorID: "user_1"})

	waitFor(t, func() bool { return client.callCount() >= 1 }, "expected periodic flush")
}

func TestSink_ImmediateFlushForDenylistedTypes(t *testing.T) {
	client := &mockS3Putter{}
	sink := newTestSink(t, Config{MaxBatch: 100, FlushInterval: time.Hour}, client)
	defer sink.Close(context.Background())

	// Buffered event rides along with the immediate flush.
	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditPortalOpened, ActorID: "user_1"})
	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditAuthFailure, ActorID: "user_2"})

	waitFor(t, func() bool { return client.callCount() >= 1 }, "expected immediate flush for auth failure")

	events := decodeBatch(t, client.lastCall().body)
	found := false
	for _, ev := range events {
		if ev.Type == types.AuditAuthFailure {
			found = true
		}
	}
	if !found {
		t.Error("expected auth failure event in the flushed batch")
	}
}

func TestSink_RetainsBatchOnFlushFailure(t *testing.T) {
	client := &mockS3Putter{failFirst: 1}
	sink := newTestSink(t, Config{MaxBatch: 2, FlushInterval: 20 * time.Millisecond}, client)
	defer sink.Close(context.Background())

	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditQuotaDenied, ActorID: "user_1"})
	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditQuotaDenied, ActorID: "user_2"})

	// First flush fails; the periodic retry must deliver the same events.
	waitFor(t, func() bool { return client.callCount() == 1 }, "expected retry flush after failure")

	events := decodeBatch(t, client.lastCall().body)
	if len(events) != 2 {
		t.Fatalf("expected both events after retry, got %d", len(events))
	}
}

func TestSink_CloseDrainsPending(t *testing.T) {
	client := &mockS3Putter{}
	sink := newTestSink(t, Config{MaxBatch: 100, FlushInterval: time.Hour}, client)

	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditIdentityResolved, ActorID: "user_1"})
	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditPortalOpened, ActorID: "user_1"})

	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if client.callCount() != 1 {
		t.Fatalf("expected final flush on close, got %d calls", client.callCount())
	}
	events := decodeBatch(t, client.lastCall().body)
	if len(events) != 2 {
		t.Fatalf("expected 2 drained events, got %d", len(events))
	}
}

func TestSink_BatchKeyIsDatePartitioned(t *testing.T) {
	client := &mockS3Putter{}
	sink := newTestSink(t, Config{MaxBatch: 1, FlushInterval: time.Hour}, client)
	defer sink.Close(context.Background())

	sink.Record(context.Background(), types.AuditEvent{Type: types.AuditQuotaDenied})
	waitFor(t, func() bool { return client.callCount() == 1 }, "expected flush")

	call := client.lastCall()
	if call.bucket != "tiergate-audit" {
		t.Errorf("unexpected bucket %q", call.bucket)
	}
	if !strings.HasPrefix(call.key, "events/2026/06/01/audit-") {
		t.Errorf("expected date-partitioned key, got %q", call.key)
	}
	if !strings.HasSuffix(call.key, ".jsonl.zst") {
		t.Errorf("expected .jsonl.zst suffix, got %q", call.key)
	}
}

func TestSink_RecordNeverBlocksWhenFull(t *testing.T) {
	// Fill a tiny buffer with the flush loop effectively stalled behind a
	// long interval and no batch-size trigger.
	client := &mockS3Putter{}
	sink := newTestSink(t, Config{BufferSize: 1, MaxBatch: 100, FlushInterval: time.Hour}, client)
	defer sink.Close(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			sink.Record(context.Background(), types.AuditEvent{Type: types.AuditQuotaDenied})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
}
