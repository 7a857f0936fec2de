// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pipeline composes the request path for tool traffic:
// authenticate, kill-switch, authorize, rate-limit, invoke, audit.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/authz"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/mcp"
	"github.com/stacklok/ambassador/pkg/storage"
)

// Authenticator validates bearer tokens into session contexts.
type Authenticator interface {
	Authenticate(ctx context.Context, token, sourceIP string) (*ambassador.SessionContext, error)
}

// ToolRouter is the routing surface the pipeline dispatches through.
type ToolRouter interface {
	Catalog(userID string) []ambassador.Tool
	GetToolDescriptor(userID, toolName string) (*ambassador.Tool, error)
	Invoke(ctx context.Context, userID, toolName string, args map[string]any) (*ambassador.ToolCallResult, error)
}

// ActivityRecorder marks session activity on successful invocations.
type ActivityRecorder interface {
	Touch(ctx context.Context, sessionID string)
}

// Pipeline is the ordered middleware chain for tool listing and
// invocation. Construction wires every stage; requests flow through
// ListTools and Invoke.
type Pipeline struct {
	authn      Authenticator
	authorizer authz.Authorizer
	profiles   storage.ProfileStore
	router     ToolRouter
	activity   ActivityRecorder
	auditBuf   *audit.Buffer
	kill       *KillSwitch
	limits     *callLimiter
}

// New assembles the pipeline.
func New(
	authn Authenticator,
	authorizer authz.Authorizer,
	profiles storage.ProfileStore,
	router ToolRouter,
	activity ActivityRecorder,
	auditBuf *audit.Buffer,
	kill *KillSwitch,
) *Pipeline {
	return &Pipeline{
		authn:      authn,
		authorizer: authorizer,
		profiles:   profiles,
		router:     router,
		activity:   activity,
		auditBuf:   auditBuf,
		kill:       kill,
		limits:     newCallLimiter(),
	}
}

// ListTools returns the catalog visible to the session's profile.
func (p *Pipeline) ListTools(ctx context.Context, token, sourceIP string) ([]ambassador.Tool, error) {
	session, err := p.authenticate(ctx, token, sourceIP, "list_tools")
	if err != nil {
		return nil, err
	}
	if scope, blocked := p.kill.Blocked(session.UserID, session.ProfileID, ""); blocked {
		return nil, p.deny(ambassador.ErrForbidden, session, "", "list_tools", "kill switch: "+scope, scope)
	}
	return p.authorizer.FilterTools(ctx, session, p.router.Catalog(session.UserID))
}

// Invoke runs one tool call through the full chain.
func (p *Pipeline) Invoke(
	ctx context.Context, token, sourceIP string, req ambassador.ToolCallRequest,
) (*ambassador.ToolCallResult, error) {
	session, err := p.authenticate(ctx, token, sourceIP, "invoke_tool")
	if err != nil {
		return nil, err
	}

	if !mcp.ValidToolName(req.ToolName) {
		return nil, fmt.Errorf("%w: malformed tool name", ambassador.ErrInvalidInput)
	}

	// Resolve the owning backend before the kill-switch so an engaged
	// backend switch blocks even tools the profile would permit.
	var downstream string
	if desc, err := p.router.GetToolDescriptor(session.UserID, req.ToolName); err == nil {
		downstream = desc.ServerName
	}

	if scope, blocked := p.kill.Blocked(session.UserID, session.ProfileID, downstream); blocked {
		return nil, p.deny(ambassador.ErrForbidden, session, req.ToolName, "invoke_tool", "kill switch: "+scope, scope)
	}

	decision, err := p.authorizer.Authorize(ctx, session, req.ToolName)
	if err != nil {
		return nil, fmt.Errorf("authorizing request: %w", err)
	}
	if !decision.Permit {
		return nil, p.deny(ambassador.ErrForbidden, session, req.ToolName, "invoke_tool", decision.Reason, decision.Policy)
	}

	eff, err := authz.ResolveEffectiveProfile(ctx, p.profiles, session.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("resolving rate limits: %w", err)
	}
	if !p.limits.allow(session.SessionID, eff.RateLimits.CallsPerMinute, eff.RateLimits.CallsPerHour) {
		return nil, p.deny(ambassador.ErrRateLimited, session, req.ToolName, "invoke_tool", "profile rate limit exceeded", decision.Policy)
	}

	start := time.Now()
	result, invokeErr := p.router.Invoke(ctx, session.UserID, req.ToolName, req.Arguments)
	duration := time.Since(start)

	p.activity.Touch(ctx, session.SessionID)

	event := audit.NewEvent(audit.EventTypeToolInvocation, audit.SeverityInfo)
	event.SessionID = session.SessionID
	event.UserID = session.UserID
	event.SourceIP = session.SourceIP
	event.ToolName = req.ToolName
	event.DownstreamMCP = downstream
	event.Action = "invoke_tool"
	event.RequestSummary = audit.SummarizeArguments(req.Arguments)
	event.AuthzDecision = audit.DecisionPermit
	event.AuthzPolicy = decision.Policy

	switch {
	case invokeErr != nil:
		event.Severity = audit.SeverityError
		event.ResponseSummary = audit.SummarizeResponse("error", duration, 0)
	case result.IsError:
		event.ResponseSummary = audit.SummarizeResponse("tool_error", duration, resultSize(result))
	default:
		event.ResponseSummary = audit.SummarizeResponse("ok", duration, resultSize(result))
	}

	if err := p.record(event); err != nil {
		return nil, err
	}
	return result, invokeErr
}

// authenticate validates the token, recording failures in the audit
// trail. The client sees only the sentinel error.
func (p *Pipeline) authenticate(ctx context.Context, token, sourceIP, action string) (*ambassador.SessionContext, error) {
	session, err := p.authn.Authenticate(ctx, token, sourceIP)
	if err == nil {
		return session, nil
	}

	event := audit.NewEvent(audit.EventTypeAuthFailure, audit.SeverityWarn)
	event.SourceIP = sourceIP
	event.Action = action
	event.Metadata["reason"] = err.Error()
	if recErr := p.record(event); recErr != nil {
		return nil, recErr
	}
	return nil, err
}

// deny records an authorization denial and returns the given sentinel.
// Reasons stay in the audit trail; clients see a generic message.
func (p *Pipeline) deny(sentinel error, session *ambassador.SessionContext, toolName, action, reason, policy string) error {
	event := audit.NewEvent(audit.EventTypeAuthzDeny, audit.SeverityWarn)
	event.SessionID = session.SessionID
	event.UserID = session.UserID
	event.SourceIP = session.SourceIP
	event.ToolName = toolName
	event.Action = action
	event.AuthzDecision = audit.DecisionDeny
	event.AuthzPolicy = policy
	event.Metadata["reason"] = reason
	if err := p.record(event); err != nil {
		return err
	}
	logger.Infow("request denied",
		"session_id", session.SessionID, "tool", toolName, "reason", reason, "policy", policy)
	return sentinel
}

// record hands the event to the audit buffer. In buffering mode Add
// never fails; in blocking mode a full ring with a failed spill turns
// into a request failure.
func (p *Pipeline) record(event audit.Event) error {
	if err := p.auditBuf.Add(event); err != nil {
		logger.Errorw("audit trail unavailable", "event_type", event.EventType, "error", err.Error())
		return fmt.Errorf("audit trail unavailable: %w", err)
	}
	return nil
}

// ReleaseSession drops per-session limiter state after expiry.
func (p *Pipeline) ReleaseSession(sessionID string) {
	p.limits.forget(sessionID)
}

func resultSize(result *ambassador.ToolCallResult) int {
	data, err := json.Marshal(result)
	if err != nil {
		return 0
	}
	return len(data)
}
