// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink collects flushed batches; it can be scripted to fail.
type memorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memorySink) FlushAuditEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memorySink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func newTestBuffer(t *testing.T, cfg BufferConfig, sink Sink) *Buffer {
	t.Helper()
	b, err := NewBuffer(cfg, sink)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})
	return b
}

func TestAddAndFlush(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	b := newTestBuffer(t, BufferConfig{RingSize: 16}, sink)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))
	}
	assert.Equal(t, 3, b.Pending())

	b.flushOnce(context.Background())
	assert.Zero(t, b.Pending())
	assert.Equal(t, 3, sink.count())
}

func TestFlushFailureRequeues(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	sink.setErr(errors.New("database locked"))
	b := newTestBuffer(t, BufferConfig{RingSize: 16}, sink)

	require.NoError(t, b.Add(NewEvent(EventTypeAuthzDeny, SeverityWarn)))
	b.flushOnce(context.Background())

	// The batch is back in the ring, nothing reached the sink, and the
	// immediate retry is suppressed by the backoff delay.
	assert.Equal(t, 1, b.Pending())
	assert.Zero(t, sink.count())

	sink.setErr(nil)
	b.flushOnce(context.Background())
	assert.Equal(t, 1, b.Pending())
}

func TestOverflowSpillsOldest(t *testing.T) {
	t.Parallel()

	spillPath := filepath.Join(t.TempDir(), "audit.spill")
	sink := &memorySink{}
	b := newTestBuffer(t, BufferConfig{RingSize: 2, SpillPath: spillPath}, sink)

	first := NewEvent(EventTypeToolInvocation, SeverityInfo)
	require.NoError(t, b.Add(first))
	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))
	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))

	assert.Equal(t, 2, b.Pending())

	f, err := os.Open(spillPath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "spill file must contain the displaced event")
	var spilled Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &spilled))
	assert.Equal(t, first.EventID, spilled.EventID)
	assert.False(t, scanner.Scan())

	info, err := os.Stat(spillPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOverflowBufferModeDropsWithoutSpill(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, BufferConfig{RingSize: 1}, &memorySink{})

	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))
	// No spill configured: buffer mode drops the oldest but accepts the new.
	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))
	assert.Equal(t, 1, b.Pending())
}

func TestOverflowBlockModeFailsWithoutSpill(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, BufferConfig{RingSize: 1, Mode: ModeBlock}, &memorySink{})

	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))
	err := b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo))
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestBlockModeRejectionLeavesRingIntact(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	b := newTestBuffer(t, BufferConfig{RingSize: 1, Mode: ModeBlock}, sink)

	accepted := NewEvent(EventTypeToolInvocation, SeverityInfo)
	require.NoError(t, b.Add(accepted))

	// The rejected emission must not displace the accepted event and
	// must not land in the ring itself: the caller's request fails.
	err := b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo))
	require.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 1, b.Pending())

	b.flushOnce(context.Background())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, accepted.EventID, sink.events[0].EventID)
}

func TestSpillCapEnforced(t *testing.T) {
	t.Parallel()

	spillPath := filepath.Join(t.TempDir(), "audit.spill")
	b := newTestBuffer(t, BufferConfig{
		RingSize:      1,
		SpillPath:     spillPath,
		SpillMaxBytes: 1, // effectively full immediately
		Mode:          ModeBlock,
	}, &memorySink{})

	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))
	require.NoError(t, b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo)))

	// First overflow spilled one event and filled the cap; the next
	// overflow cannot spill and block mode surfaces it.
	err := b.Add(NewEvent(EventTypeToolInvocation, SeverityInfo))
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestRejectsSymlinkSpillPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(target, nil, 0o600))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	_, err := NewBuffer(BufferConfig{SpillPath: link}, &memorySink{})
	assert.Error(t, err)
}

func TestShutdownDrains(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	b, err := NewBuffer(BufferConfig{RingSize: 16}, sink)
	require.NoError(t, err)

	require.NoError(t, b.Add(NewEvent(EventTypeSessionExpired, SeverityInfo)))
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestSummaries(t *testing.T) {
	t.Parallel()

	args := map[string]any{"query": "secrets", "limit": 10}
	summary := SummarizeArguments(args)
	assert.Equal(t, 2, summary["argument_count"])
	assert.NotContains(t, summary, "query")
	assert.Len(t, summary["argument_hash"], 64)

	resp := SummarizeResponse("ok", 0, 512)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, 512, resp["size_bytes"])
}
