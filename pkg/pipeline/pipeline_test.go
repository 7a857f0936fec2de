// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/authz"
	"github.com/stacklok/ambassador/pkg/storage"
)

type fakeAuthn struct {
	session *ambassador.SessionContext
	err     error
}

func (a *fakeAuthn) Authenticate(context.Context, string, string) (*ambassador.SessionContext, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.session, nil
}

type fakeAuthorizer struct {
	permit bool
}

func (a *fakeAuthorizer) Authorize(
	_ context.Context, _ *ambassador.SessionContext, _ string,
) (authz.Decision, error) {
	if a.permit {
		return authz.Decision{Permit: true, Policy: "developer"}, nil
	}
	return authz.Decision{Permit: false, Reason: "tool matches a deny rule", Policy: "developer"}, nil
}

func (a *fakeAuthorizer) FilterTools(
	_ context.Context, _ *ambassador.SessionContext, tools []ambassador.Tool,
) ([]ambassador.Tool, error) {
	if !a.permit {
		return nil, nil
	}
	return tools, nil
}

// fakeProfiles serves a single profile; the pipeline only reads.
type fakeProfiles struct {
	storage.ProfileStore
	profile storage.ToolProfile
}

func (p *fakeProfiles) GetProfile(_ context.Context, id string) (storage.ToolProfile, error) {
	if id != p.profile.ID {
		return storage.ToolProfile{}, storage.ErrNotFound
	}
	return p.profile, nil
}

type fakeRouter struct {
	result *ambassador.ToolCallResult
	err    error
	calls  int
}

func (r *fakeRouter) Catalog(string) []ambassador.Tool {
	return []ambassador.Tool{{Name: "github.create_issue", ServerName: "github"}}
}

func (r *fakeRouter) GetToolDescriptor(_, toolName string) (*ambassador.Tool, error) {
	if toolName != "github.create_issue" {
		return nil, ambassador.ErrToolNotFound
	}
	return &ambassador.Tool{Name: toolName, ServerName: "github"}, nil
}

func (r *fakeRouter) Invoke(
	_ context.Context, _, _ string, _ map[string]any,
) (*ambassador.ToolCallResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type fakeActivity struct {
	mu      sync.Mutex
	touched []string
}

func (a *fakeActivity) Touch(_ context.Context, sessionID string) {
	a.mu.Lock()
	a.touched = append(a.touched, sessionID)
	a.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) FlushAuditEvents(_ context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) byType(eventType string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	pipeline *Pipeline
	authn    *fakeAuthn
	router   *fakeRouter
	activity *fakeActivity
	kill     *KillSwitch
	sink     *captureSink
	buffer   *audit.Buffer
}

func newFixture(t *testing.T, permit bool, limits storage.RateLimits) *fixture {
	t.Helper()

	sink := &captureSink{}
	buffer, err := audit.NewBuffer(audit.BufferConfig{RingSize: 64}, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buffer.Shutdown(context.Background()) })

	f := &fixture{
		authn: &fakeAuthn{session: &ambassador.SessionContext{
			SessionID: "sess-1",
			UserID:    "alice",
			ProfileID: "prof-1",
			SourceIP:  "203.0.113.7",
		}},
		router: &fakeRouter{result: &ambassador.ToolCallResult{
			Content: []ambassador.Content{{Type: "text", Text: "done"}},
		}},
		activity: &fakeActivity{},
		kill:     NewKillSwitch(),
		sink:     sink,
		buffer:   buffer,
	}

	profiles := &fakeProfiles{profile: storage.ToolProfile{
		ID:           "prof-1",
		Name:         "developer",
		AllowedTools: []string{"*.*"},
		RateLimits:   limits,
	}}

	f.pipeline = New(
		f.authn, &fakeAuthorizer{permit: permit}, profiles,
		f.router, f.activity, buffer, f.kill,
	)
	return f
}

// drain flushes buffered events into the capture sink.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.buffer.Shutdown(context.Background()))
}

func TestInvokeHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})

	result, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName:  "github.create_issue",
		Arguments: map[string]any{"title": "bug"},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content[0].Text)
	assert.Equal(t, []string{"sess-1"}, f.activity.touched)

	f.drain(t)
	events := f.sink.byType(audit.EventTypeToolInvocation)
	require.Len(t, events, 1)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "github", events[0].DownstreamMCP)
	assert.Equal(t, audit.DecisionPermit, events[0].AuthzDecision)
	assert.Equal(t, "developer", events[0].AuthzPolicy)
	// The trail records a digest of the arguments, never the payload.
	assert.NotContains(t, events[0].RequestSummary, "title")
	assert.Contains(t, events[0].RequestSummary, "argument_hash")
	assert.Equal(t, "ok", events[0].ResponseSummary["status"])
}

func TestInvokeDeniedByPolicy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, storage.RateLimits{})

	_, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.ErrorIs(t, err, ambassador.ErrForbidden)
	assert.Zero(t, f.router.calls)

	f.drain(t)
	events := f.sink.byType(audit.EventTypeAuthzDeny)
	require.Len(t, events, 1)
	assert.Equal(t, audit.DecisionDeny, events[0].AuthzDecision)
	assert.Equal(t, "tool matches a deny rule", events[0].Metadata["reason"])
}

func TestInvokeAuthFailureAudited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})
	f.authn.err = ambassador.ErrUnauthorized

	_, err := f.pipeline.Invoke(context.Background(), "bad-token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.ErrorIs(t, err, ambassador.ErrUnauthorized)

	f.drain(t)
	events := f.sink.byType(audit.EventTypeAuthFailure)
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.7", events[0].SourceIP)
	assert.Equal(t, "invoke_tool", events[0].Action)
}

func TestInvokeMalformedToolName(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})

	_, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github..create",
	})
	assert.ErrorIs(t, err, ambassador.ErrInvalidInput)
	assert.Zero(t, f.router.calls)
}

func TestInvokeKillSwitch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		scope  string
		target string
	}{
		{name: "global", scope: KillScopeGlobal},
		{name: "user", scope: KillScopeUser, target: "alice"},
		{name: "profile", scope: KillScopeProfile, target: "prof-1"},
		{name: "backend", scope: KillScopeMcp, target: "github"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, true, storage.RateLimits{})
			require.NoError(t, f.kill.Block(tc.scope, tc.target))

			_, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
				ToolName: "github.create_issue",
			})
			assert.ErrorIs(t, err, ambassador.ErrForbidden)
			assert.Zero(t, f.router.calls)

			f.drain(t)
			events := f.sink.byType(audit.EventTypeAuthzDeny)
			require.Len(t, events, 1)
			assert.Equal(t, tc.scope, events[0].AuthzPolicy)
		})
	}
}

func TestInvokeKillSwitchReleased(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})
	require.NoError(t, f.kill.Block(KillScopeUser, "alice"))
	f.kill.Unblock(KillScopeUser, "alice")

	_, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.NoError(t, err)
}

func TestInvokeProfileRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{CallsPerMinute: 1})

	_, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	require.NoError(t, err)

	_, err = f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.ErrorIs(t, err, ambassador.ErrRateLimited)
	assert.Equal(t, 1, f.router.calls)

	// Releasing the session resets its quota state.
	f.pipeline.ReleaseSession("sess-1")
	_, err = f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.NoError(t, err)
}

func TestInvokeToolErrorStillAudited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})
	f.router.result = &ambassador.ToolCallResult{
		Content: []ambassador.Content{{Type: "text", Text: "boom"}},
		IsError: true,
	}

	result, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	f.drain(t)
	events := f.sink.byType(audit.EventTypeToolInvocation)
	require.Len(t, events, 1)
	assert.Equal(t, "tool_error", events[0].ResponseSummary["status"])
}

func TestInvokeDownstreamFailureAudited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})
	f.router.err = ambassador.ErrDownstream

	_, err := f.pipeline.Invoke(context.Background(), "token", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.ErrorIs(t, err, ambassador.ErrDownstream)

	f.drain(t)
	events := f.sink.byType(audit.EventTypeToolInvocation)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityError, events[0].Severity)
	assert.Equal(t, "error", events[0].ResponseSummary["status"])
}

func TestInvokeFailsWhenBlockingAuditTrailFull(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	buffer, err := audit.NewBuffer(audit.BufferConfig{RingSize: 1, Mode: audit.ModeBlock}, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buffer.Shutdown(context.Background()) })

	// Fill the ring so the pipeline's own event cannot be recorded.
	require.NoError(t, buffer.Add(audit.NewEvent(audit.EventTypeSessionExpired, audit.SeverityInfo)))

	authn := &fakeAuthn{err: ambassador.ErrUnauthorized}
	profiles := &fakeProfiles{profile: storage.ToolProfile{ID: "prof-1", Name: "developer"}}
	p := New(authn, &fakeAuthorizer{permit: true}, profiles,
		&fakeRouter{}, &fakeActivity{}, buffer, NewKillSwitch())

	_, err = p.Invoke(context.Background(), "bad", "203.0.113.7", ambassador.ToolCallRequest{
		ToolName: "github.create_issue",
	})
	assert.ErrorIs(t, err, audit.ErrBufferFull)
	assert.NotErrorIs(t, err, ambassador.ErrUnauthorized)
}

func TestListToolsFiltered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})

	tools, err := f.pipeline.ListTools(context.Background(), "token", "203.0.113.7")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "github.create_issue", tools[0].Name)
}

func TestListToolsBlockedByKillSwitch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.RateLimits{})
	require.NoError(t, f.kill.Block(KillScopeGlobal, ""))

	_, err := f.pipeline.ListTools(context.Background(), "token", "203.0.113.7")
	assert.ErrorIs(t, err, ambassador.ErrForbidden)
}

func TestKillSwitchValidation(t *testing.T) {
	t.Parallel()

	k := NewKillSwitch()
	assert.Error(t, k.Block("datacenter", "x"))
	assert.Error(t, k.Block(KillScopeUser, ""))

	require.NoError(t, k.Block(KillScopeUser, "alice"))
	scope, blocked := k.Blocked("alice", "", "")
	assert.True(t, blocked)
	assert.Equal(t, KillScopeUser, scope)

	_, blocked = k.Blocked("bob", "", "")
	assert.False(t, blocked)

	assert.Equal(t, []string{"user:alice"}, k.Entries())
}

func TestCallLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := newCallLimiter()
	for i := 0; i < 100; i++ {
		assert.True(t, l.allow("s", 0, 0))
	}
}

func TestCallLimiterRebuildOnQuotaChange(t *testing.T) {
	t.Parallel()

	l := newCallLimiter()
	require.True(t, l.allow("s", 1, 0))
	require.False(t, l.allow("s", 1, 0))

	// A profile change mid-session rebuilds the limiter with new quotas.
	assert.True(t, l.allow("s", 5, 0))
}

func TestBufferModeSurvivesSinkOutage(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	buffer, err := audit.NewBuffer(audit.BufferConfig{RingSize: 4}, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buffer.Shutdown(context.Background()) })

	f := &fixture{
		authn: &fakeAuthn{session: &ambassador.SessionContext{
			SessionID: "sess-1", UserID: "alice", ProfileID: "prof-1",
		}},
		router:   &fakeRouter{result: &ambassador.ToolCallResult{}},
		activity: &fakeActivity{},
		kill:     NewKillSwitch(),
	}
	profiles := &fakeProfiles{profile: storage.ToolProfile{
		ID: "prof-1", Name: "developer", AllowedTools: []string{"*.*"},
	}}
	f.pipeline = New(f.authn, &fakeAuthorizer{permit: true}, profiles,
		f.router, f.activity, buffer, f.kill)

	// Requests keep flowing even when more events arrive than the ring
	// holds; buffering mode drops rather than failing the request.
	for i := 0; i < 10; i++ {
		_, err := f.pipeline.Invoke(context.Background(), "token", "", ambassador.ToolCallRequest{
			ToolName: "github.create_issue",
		})
		require.NoError(t, err)
	}
}
