// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stacklok/ambassador/pkg/logger"
)

// FailureMode selects what happens when the ring is full and the spill
// file cannot absorb the overflow.
type FailureMode string

const (
	// ModeBuffer accepts the emission and drops the oldest event,
	// incrementing the drop counter. This is the failure-open default.
	ModeBuffer FailureMode = "buffer"

	// ModeBlock fails the emission (and hence the request) when the ring
	// is full and the spill also fails.
	ModeBlock FailureMode = "block"
)

// Defaults for the buffer configuration.
const (
	DefaultRingSize      = 10_000
	DefaultFlushInterval = 5 * time.Second
	DefaultSpillMaxBytes = 100 * 1024 * 1024 // 100 MB

	spillFileMode = 0600
)

var (
	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ambassador_audit_events_dropped_total",
		Help: "Audit events dropped because the ring was full and spill was unavailable.",
	})
	spilledEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ambassador_audit_events_spilled_total",
		Help: "Audit events written to the spill file on ring overflow.",
	})
	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ambassador_audit_flush_failures_total",
		Help: "Failed attempts to flush audit batches to the sink.",
	})
)

// ErrBufferFull is returned by Add in block mode when neither the ring
// nor the spill file can accept the event.
var ErrBufferFull = errors.New("audit buffer full")

// Sink receives flushed batches of audit events.
type Sink interface {
	FlushAuditEvents(ctx context.Context, events []Event) error
}

// BufferConfig configures a Buffer.
type BufferConfig struct {
	// RingSize bounds the in-memory ring. Zero means DefaultRingSize.
	RingSize int

	// FlushInterval is the flusher period. Zero means DefaultFlushInterval.
	FlushInterval time.Duration

	// SpillPath enables the append-only overflow file when non-empty.
	SpillPath string

	// SpillMaxBytes caps the spill file. Zero means DefaultSpillMaxBytes.
	SpillMaxBytes int64

	// Mode is the failure policy. Empty means ModeBuffer.
	Mode FailureMode
}

func (c *BufferConfig) withDefaults() BufferConfig {
	out := *c
	if out.RingSize <= 0 {
		out.RingSize = DefaultRingSize
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = DefaultFlushInterval
	}
	if out.SpillMaxBytes <= 0 {
		out.SpillMaxBytes = DefaultSpillMaxBytes
	}
	if out.Mode == "" {
		out.Mode = ModeBuffer
	}
	return out
}

// Buffer is a bounded in-memory ring of audit events with an optional
// append-only spill file and a periodic flusher. Emission never blocks
// the request path beyond a short-held mutex.
type Buffer struct {
	cfg  BufferConfig
	sink Sink

	mu        sync.Mutex
	ring      []Event
	spill     *os.File
	spillSize int64

	// nextFlush delays retries after a sink failure.
	nextFlush time.Time
	retry     *backoff.ExponentialBackOff

	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewBuffer creates a buffer and starts its background flusher. The
// caller must Shutdown the buffer to stop the flusher and drain events.
func NewBuffer(cfg BufferConfig, sink Sink) (*Buffer, error) {
	b := &Buffer{
		cfg:   cfg.withDefaults(),
		sink:  sink,
		retry: backoff.NewExponentialBackOff(),
		done:  make(chan struct{}),
	}

	if b.cfg.SpillPath != "" {
		f, size, err := openSpillFile(b.cfg.SpillPath)
		if err != nil {
			return nil, fmt.Errorf("opening spill file: %w", err)
		}
		b.spill = f
		b.spillSize = size
	}

	b.wg.Add(1)
	go b.flushLoop()
	return b, nil
}

// openSpillFile opens the append-only spill file with owner-only
// permissions, refusing symlinks.
func openSpillFile(path string) (*os.File, int64, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil, 0, fmt.Errorf("spill path %s is a symlink", path)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, spillFileMode)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Add enqueues an event. On overflow the oldest event spills to disk when
// a spill file is configured and under its cap; otherwise it is dropped
// and the drop counter incremented. In block mode a failed spill is
// surfaced as ErrBufferFull.
func (b *Buffer) Add(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) >= b.cfg.RingSize {
		oldest := b.ring[0]
		if err := b.spillLocked(oldest); err != nil {
			if b.cfg.Mode == ModeBlock {
				// Reject without touching the ring: the caller's request
				// fails, so its event must not land in the trail.
				return fmt.Errorf("%w: %v", ErrBufferFull, err)
			}
			droppedEvents.Inc()
			logger.Warnw("audit event dropped", "event_id", oldest.EventID, "reason", err.Error())
		}
		b.ring = b.ring[1:]
	}
	b.ring = append(b.ring, event)
	return nil
}

// spillLocked appends one event to the spill file as a JSON line.
// Callers must hold b.mu.
func (b *Buffer) spillLocked(event Event) error {
	if b.spill == nil {
		return errors.New("spill disabled")
	}
	if b.spillSize >= b.cfg.SpillMaxBytes {
		return errors.New("spill file at capacity")
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	line = append(line, '\n')
	n, err := b.spill.Write(line)
	b.spillSize += int64(n)
	if err != nil {
		return fmt.Errorf("writing spill: %w", err)
	}
	spilledEvents.Inc()
	return nil
}

// Pending returns the number of events waiting in the ring. Used by
// tests and the readiness surface.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

func (b *Buffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushOnce(context.Background())
		case <-b.done:
			return
		}
	}
}

// flushOnce swaps the ring out under the mutex and hands the batch to the
// sink outside it. On failure the batch is re-prepended and the next
// attempt is delayed by the exponential backoff.
func (b *Buffer) flushOnce(ctx context.Context) {
	b.mu.Lock()
	if time.Now().Before(b.nextFlush) || len(b.ring) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.ring
	b.ring = nil
	b.mu.Unlock()

	if err := b.sink.FlushAuditEvents(ctx, batch); err != nil {
		flushFailures.Inc()
		logger.Warnw("audit flush failed, will retry", "events", len(batch), "error", err.Error())

		b.mu.Lock()
		b.ring = append(batch, b.ring...)
		b.nextFlush = time.Now().Add(b.retry.NextBackOff())
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.nextFlush = time.Time{}
	b.mu.Unlock()
	b.retry.Reset()
}

// Shutdown stops the flusher, performs a final flush, and closes the
// spill handle.
func (b *Buffer) Shutdown(ctx context.Context) error {
	b.stopped.Do(func() { close(b.done) })
	b.wg.Wait()

	// Final flush ignores the retry delay.
	b.mu.Lock()
	b.nextFlush = time.Time{}
	b.mu.Unlock()
	b.flushOnce(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill != nil {
		err := b.spill.Close()
		b.spill = nil
		return err
	}
	return nil
}
