// Package dispatch is the stateless per-request core: resolve the caller,
// anchor the conversation, plan, execute, persist, reply. All state lives
// in the store; two engine instances over the same database behave
// identically.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskpilot/internal/identity"
	"github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/planner"
	"github.com/basket/taskpilot/internal/shared"
	"github.com/basket/taskpilot/internal/store"
	"github.com/basket/taskpilot/internal/tools"
)

// Turn states, in processing order.
const (
	StateReceived    = "received"
	StatePlanning    = "planning"
	StateDirectReply = "direct_reply"
	StateExecuting   = "executing"
	StatePersisted   = "persisted"
	StateResponded   = "responded"
)

// Request is one inbound caller message.
type Request struct {
	Token          string
	ConversationID string
	Message        string
}

// ExecutedCall summarizes one tool call for the response.
type ExecutedCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Response is the outcome of a successfully persisted turn.
type Response struct {
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Reply          string         `json:"reply"`
	ToolCalls      []ExecutedCall `json:"tool_calls,omitempty"`
}

// Options carries optional engine collaborators.
type Options struct {
	Tracer          trace.Tracer
	Metrics         *otel.Metrics
	HistoryLimit    int
	MaxMessageChars int
}

// Engine wires the pipeline together. Safe for concurrent use.
type Engine struct {
	resolver *identity.Resolver
	store    *store.Store
	planner  planner.Planner
	registry *tools.Registry
	logger   *slog.Logger

	tracer          trace.Tracer
	metrics         *otel.Metrics
	historyLimit    int
	maxMessageChars int
}

func NewEngine(resolver *identity.Resolver, st *store.Store, pl planner.Planner, reg *tools.Registry, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("taskpilot")
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	maxChars := opts.MaxMessageChars
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &Engine{
		resolver:        resolver,
		store:           st,
		planner:         pl,
		registry:        reg,
		logger:          logger,
		tracer:          tracer,
		metrics:         opts.Metrics,
		historyLimit:    historyLimit,
		maxMessageChars: maxChars,
	}
}

// HandleMessage runs one full turn. Planner and tool failures are folded
// into a persisted turn with an explanatory reply; only auth, validation
// and persistence failures surface as *Error.
func (e *Engine) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otel.StartServerSpan(ctx, e.tracer, "dispatch.turn")
	defer span.End()

	logger := e.logger.With("trace_id", shared.TraceID(ctx), "state", StateReceived)

	ownerID, err := e.resolver.Resolve(req.Token)
	if err != nil {
		if errors.Is(err, identity.ErrMissingCredential) {
			return nil, errAuthMissing()
		}
		logger.Warn("credential rejected")
		return nil, errAuthInvalid()
	}
	ctx = shared.WithOwnerID(ctx, ownerID)
	span.SetAttributes(otel.AttrOwnerID.String(ownerID))
	logger = logger.With("owner_id", ownerID)

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, errInvalid("message must not be empty")
	}
	if len(message) > e.maxMessageChars {
		return nil, errInvalid(fmt.Sprintf("message exceeds %d characters", e.maxMessageChars))
	}

	conv, err := e.store.EnsureConversation(ctx, ownerID, strings.TrimSpace(req.ConversationID))
	if err != nil {
		if errors.Is(err, store.ErrAccessDenied) {
			logger.Warn("conversation access denied", "conversation_id", req.ConversationID)
			return nil, errAccessDenied()
		}
		logger.Error("ensure conversation failed", "error", err.Error())
		return nil, errInternal()
	}
	ctx = shared.WithConversationID(ctx, conv.ID)
	span.SetAttributes(otel.AttrConversationID.String(conv.ID))
	logger = logger.With("conversation_id", conv.ID)

	history, err := e.store.LoadRecentTurns(ctx, conv.ID, e.historyLimit)
	if err != nil {
		logger.Error("load history failed", "error", err.Error())
		return nil, errInternal()
	}

	plan, reply, calls, results := e.planAndExecute(ctx, logger, ownerID, history, message)

	turn := &store.Turn{
		ConversationID:  conv.ID,
		CallerMessage:   message,
		AssistantReply:  reply,
		PlanJSON:        encodeCalls(calls),
		ToolResultsJSON: encodeResults(results),
	}
	conflicts, err := e.store.AppendTurn(ctx, turn)
	if e.metrics != nil && conflicts > 0 {
		e.metrics.AppendConflicts.Add(ctx, int64(conflicts))
	}
	if err != nil {
		logger.Error("append turn failed", "error", err.Error())
		return nil, errInternal()
	}
	span.SetAttributes(otel.AttrTurnSeq.Int64(turn.Seq))
	if e.metrics != nil {
		e.metrics.TurnsTotal.Add(ctx, 1)
		e.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}

	resp := &Response{ConversationID: conv.ID, Seq: turn.Seq, Reply: reply}
	for i, call := range calls {
		ec := ExecutedCall{Tool: call.Tool, Arguments: call.Arguments, Status: tools.StatusFailed}
		if i < len(results) {
			ec.Status = results[i].Status
			ec.Payload = results[i].Payload
			ec.Error = results[i].Error
		}
		resp.ToolCalls = append(resp.ToolCalls, ec)
	}
	logger.Info("turn completed", "state", StateResponded, "seq", turn.Seq,
		"plan_size", len(calls), "direct", plan == nil || plan.Direct(),
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// planAndExecute runs the planning pass and, for a non-empty plan, every
// call in order. It always returns a usable reply; no failure mode
// escapes as an error.
func (e *Engine) planAndExecute(ctx context.Context, logger *slog.Logger, ownerID string, history []store.Turn, message string) (*planner.Plan, string, []planner.ToolCall, []tools.Result) {
	planStart := time.Now()
	ctx, planSpan := otel.StartClientSpan(ctx, e.tracer, "dispatch.plan")
	plan, err := e.planner.Plan(ctx, history, message)
	planSpan.End()
	if e.metrics != nil {
		e.metrics.PlanDuration.Record(ctx, time.Since(planStart).Seconds())
	}
	if err != nil {
		logger.Warn("planning failed", "state", StatePlanning, "error", err.Error())
		return nil, unavailableReply(err), nil, nil
	}
	if err := planner.Validate(plan, e.registry.Known); err != nil {
		logger.Warn("plan rejected", "state", StatePlanning, "error", err.Error())
		return nil, "I could not turn that into valid task operations. Could you rephrase?", nil, nil
	}

	if plan.Direct() {
		reply := plan.Reply
		if reply == "" {
			reply = "How can I help with your tasks?"
		}
		logger.Info("direct reply", "state", StateDirectReply)
		return plan, reply, nil, nil
	}

	results := make([]tools.Result, 0, len(plan.Calls))
	for i, call := range plan.Calls {
		toolStart := time.Now()
		callCtx, toolSpan := otel.StartSpan(ctx, e.tracer, "dispatch.tool",
			otel.AttrToolName.String(call.Tool))
		res := e.registry.Execute(callCtx, ownerID, call.Tool, call.Arguments)
		toolSpan.SetAttributes(otel.AttrToolStatus.String(res.Status))
		toolSpan.End()
		if e.metrics != nil {
			e.metrics.ToolDuration.Record(ctx, time.Since(toolStart).Seconds())
			if res.Status != tools.StatusOK {
				e.metrics.ToolErrors.Add(ctx, 1)
			}
		}
		logger.Info("tool executed", "state", StateExecuting,
			"tool", call.Tool, "call_index", i, "status", res.Status)
		results = append(results, res)
	}

	reply := e.synthesizeReply(ctx, logger, message, plan.Calls, results)
	return plan, reply, plan.Calls, results
}

// synthesizeReply asks the planner to phrase the outcome; if that call
// fails the deterministic fallback keeps the turn serviceable.
func (e *Engine) synthesizeReply(ctx context.Context, logger *slog.Logger, message string, calls []planner.ToolCall, results []tools.Result) string {
	summary, err := e.planner.Summarize(ctx, message, encodeResults(results))
	if err == nil && strings.TrimSpace(summary) != "" {
		return summary
	}
	if err != nil {
		logger.Warn("summarize failed, using fallback reply", "error", err.Error())
	}
	return fallbackReply(calls, results)
}

// fallbackReply builds a plain confirmation from execution outcomes.
func fallbackReply(calls []planner.ToolCall, results []tools.Result) string {
	var done, failed []string
	for i, call := range calls {
		verb := describeTool(call.Tool)
		if i < len(results) && results[i].Status == tools.StatusOK {
			done = append(done, verb)
			continue
		}
		reason := "it could not be completed"
		if i < len(results) && results[i].Error != "" {
			reason = results[i].Error
		}
		failed = append(failed, fmt.Sprintf("%s (%s)", verb, reason))
	}

	var sb strings.Builder
	if len(done) > 0 {
		sb.WriteString("Done: ")
		sb.WriteString(strings.Join(done, ", "))
		sb.WriteString(".")
	}
	if len(failed) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString("Not done: ")
		sb.WriteString(strings.Join(failed, "; "))
		sb.WriteString(".")
	}
	if sb.Len() == 0 {
		return "Nothing to do."
	}
	return sb.String()
}

func describeTool(name string) string {
	switch name {
	case tools.ToolCreateTask:
		return "created the task"
	case tools.ToolListTasks:
		return "listed your tasks"
	case tools.ToolCompleteTask:
		return "marked the task complete"
	case tools.ToolUpdateTask:
		return "updated the task"
	case tools.ToolDeleteTask:
		return "deleted the task"
	default:
		return "ran " + name
	}
}

func unavailableReply(err error) string {
	if errors.Is(err, planner.ErrUnavailable) {
		return "I can't reach the language model right now, so I couldn't process that. Your tasks are safe; please try again shortly."
	}
	return "Something went wrong while working out what to do. Please try again."
}

func encodeCalls(calls []planner.ToolCall) string {
	if len(calls) == 0 {
		return "[]"
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func encodeResults(results []tools.Result) string {
	if len(results) == 0 {
		return "[]"
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(data)
}
