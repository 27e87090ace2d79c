// Package orchestrator drives one conversational turn: it invokes the
// model, parses the streamed response, executes requested tool calls,
// persists each round in protocol order, and re-invokes the model with the
// augmented history until the turn produces an answer or runs out of
// budget.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell/assistant-core/internal/breaker"
	"github.com/inkwell/assistant-core/internal/broadcast"
	"github.com/inkwell/assistant-core/internal/domain"
	"github.com/inkwell/assistant-core/internal/history"
	"github.com/inkwell/assistant-core/internal/provider"
	"github.com/inkwell/assistant-core/internal/ratelimit"
	"github.com/inkwell/assistant-core/internal/streamparse"
	"github.com/inkwell/assistant-core/internal/tokens"
	"github.com/inkwell/assistant-core/internal/toolexec"
)

// Config bounds a turn.
type Config struct {
	SystemPrompt        string
	MaxRounds           int
	MaxToolCalls        int
	ToolsPerRound       int
	ToolConcurrency     int
	DedupWindow         time.Duration
	RecoveryTemperature float64
	HistoryTokenBudget  int
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 6
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 12
	}
	if c.ToolsPerRound <= 0 {
		c.ToolsPerRound = 20
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = 8
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Second
	}
	if c.RecoveryTemperature <= 0 {
		c.RecoveryTemperature = 0.2
	}
	return c
}

// Engine runs turns. One Engine serves all conversations; per-turn state
// lives on the stack of Run.
type Engine struct {
	cfg      Config
	provider provider.ModelProvider
	executor toolexec.Executor
	store    history.Store
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	hub      *broadcast.Hub
	counter  *tokens.Counter
	logger   *slog.Logger
}

// New wires an engine. limiter, hub, and counter may be nil; the matching
// behavior (rate limiting, document fan-out, history pruning) is then
// disabled.
func New(cfg Config, p provider.ModelProvider, exec toolexec.Executor, store history.Store,
	breakers *breaker.Registry, limiter *ratelimit.Limiter, hub *broadcast.Hub,
	counter *tokens.Counter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		provider: p,
		executor: exec,
		store:    store,
		breakers: breakers,
		limiter:  limiter,
		hub:      hub,
		counter:  counter,
		logger:   logger,
	}
}

// Turn is one user request.
type Turn struct {
	ConversationID string
	UserID         string
	UserMessage    string
	Events         EventSink
}

// RateLimitDecision reports the limiter's verdict for a turn so callers
// can surface headers before streaming starts.
func (e *Engine) RateLimitDecision(ctx context.Context, userID string) *ratelimit.Decision {
	if e.limiter == nil {
		return nil
	}
	d := e.limiter.Check(ctx, userID)
	return &d
}

// turnState is the per-turn working set. The dedup cache lives here, not on
// the Engine: a cached result must never cross into another user's turn.
type turnState struct {
	turn      Turn
	dedup     *dedupCache
	msgs      []domain.Message
	round     int
	toolCalls int
	reasoning string
	lastText  string
	recovered bool
	invoked   bool
}

// Run executes one turn to a terminal state and emits exactly one outcome.
// A pre-checked limiter decision may be passed in to avoid double counting;
// nil means Run performs its own check.
func (e *Engine) Run(ctx context.Context, turn Turn, decision *ratelimit.Decision) domain.TurnOutcome {
	logger := e.logger.With(
		slog.String("conversation_id", turn.ConversationID),
		slog.String("user_id", turn.UserID),
	)

	if decision == nil {
		decision = e.RateLimitDecision(ctx, turn.UserID)
	}
	if decision != nil && !decision.Allowed {
		logger.Warn("turn rejected by rate limiter")
		return e.abort(turn, domain.AbortRateLimited, time.Until(decision.ResetAt))
	}

	st := &turnState{turn: turn, dedup: newDedupCache(e.cfg.DedupWindow)}
	turn.Events.emit(Event{Type: EventStart})

	userMsg := domain.Message{Role: domain.RoleUser, Content: turn.UserMessage}
	if err := e.store.AppendMessages(ctx, turn.ConversationID, []domain.Message{userMsg}); err != nil {
		logger.Error("failed to persist user message", slog.String("error", err.Error()))
	}

	st.msgs = e.buildPrompt(ctx, turn.ConversationID, userMsg, logger)

	outcome := e.drive(ctx, st, logger)

	if outcome.Outcome == domain.OutcomeFinalized {
		final := domain.Message{Role: domain.RoleAssistant, Content: outcome.FinalText}
		if err := e.store.AppendMessages(context.WithoutCancel(ctx), turn.ConversationID,
			[]domain.Message{final}); err != nil {
			logger.Error("failed to persist final answer", slog.String("error", err.Error()))
		}
		turn.Events.emit(Event{Type: EventDone, Outcome: &outcome})
	}
	return outcome
}

// buildPrompt assembles system prompt + stored history, pruned to budget.
// The just-appended user message is already part of the stored history.
func (e *Engine) buildPrompt(ctx context.Context, conversationID string, userMsg domain.Message, logger *slog.Logger) []domain.Message {
	var msgs []domain.Message
	if e.cfg.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: e.cfg.SystemPrompt})
	}

	stored, err := e.store.Messages(ctx, conversationID)
	if err != nil {
		logger.Error("failed to load history, continuing with the user message only",
			slog.String("error", err.Error()))
		return append(msgs, userMsg)
	}
	msgs = append(msgs, stored...)

	if e.counter != nil && e.cfg.HistoryTokenBudget > 0 {
		pruned, err := e.counter.Prune(msgs, e.cfg.HistoryTokenBudget)
		if err != nil {
			logger.Warn("history pruning failed, sending full history",
				slog.String("error", err.Error()))
			return msgs
		}
		if len(pruned) < len(msgs) {
			logger.Info("history pruned",
				slog.Int("before", len(msgs)),
				slog.Int("after", len(pruned)),
			)
		}
		msgs = pruned
	}
	return msgs
}

// drive is the round loop. It returns only from a terminal state.
func (e *Engine) drive(ctx context.Context, st *turnState, logger *slog.Logger) domain.TurnOutcome {
	var deferred []domain.ToolCall
	var temperature *float64

	for {
		// Budget gate. Deferred calls are exempt: their assistant message
		// is already persisted, the protocol requires their results.
		if len(deferred) == 0 {
			if st.round >= e.cfg.MaxRounds || st.toolCalls >= e.cfg.MaxToolCalls {
				logger.Info("budget exhausted, forcing final round",
					slog.Int("rounds", st.round),
					slog.Int("tool_calls", st.toolCalls),
				)
				return e.forceFinal(ctx, st, logger)
			}
		}
		st.round++
		roundLogger := logger.With(slog.Int("round", st.round))

		var calls []domain.ToolCall
		var assistantMsg *domain.Message

		if len(deferred) > 0 {
			// Synthetic round: dispatch the next slice of an oversized
			// round, no model invocation.
			n := min(len(deferred), e.cfg.ToolsPerRound)
			calls, deferred = deferred[:n], deferred[n:]
			roundLogger.Info("dispatching deferred tool calls", slog.Int("count", len(calls)))
		} else {
			// The first invocation was already admitted by Run; every
			// re-invocation passes the limiter again.
			if st.invoked {
				if d := e.RateLimitDecision(ctx, st.turn.UserID); d != nil && !d.Allowed {
					roundLogger.Warn("re-invocation rejected by rate limiter")
					return e.abort(st.turn, domain.AbortRateLimited, time.Until(d.ResetAt))
				}
			}
			roundLogger.Debug("state", slog.String("state", StateInvoking.String()))
			res, err := e.invoke(ctx, st.msgs, e.executor.Definitions(), temperature, st.turn.Events)
			st.invoked = true
			temperature = nil
			if err != nil {
				return e.invocationFailed(st, err, logger)
			}

			if res.Reasoning != "" {
				st.reasoning = res.Reasoning
			}
			if res.Content != "" {
				st.lastText = res.Content
			}

			// Anti-silence: an empty round gets one directive nudge at low
			// temperature, then a degraded fallback.
			if res.Content == "" && len(res.ToolCalls) == 0 {
				if !st.recovered {
					st.recovered = true
					roundLogger.Warn("empty response, re-invoking with recovery directive")
					st.msgs = append(st.msgs, domain.Message{
						Role:    domain.RoleSystem,
						Content: "Your previous reply was empty. Respond now with visible text: state what you have done so far and answer the user's request directly, or issue exactly one more tool call that is relevant to it.",
					})
					t := e.cfg.RecoveryTemperature
					temperature = &t
					continue
				}
				roundLogger.Warn("empty response after recovery, finalizing with fallback")
				return e.finalize(ctx, st, e.fallbackText(st), logger)
			}

			if len(res.ToolCalls) == 0 {
				return e.finalize(ctx, st, res.Content, logger)
			}

			calls = res.ToolCalls
			m := domain.Message{
				Role:      domain.RoleAssistant,
				Content:   res.Content,
				ToolCalls: res.ToolCalls,
			}
			assistantMsg = &m

			if len(calls) > e.cfg.ToolsPerRound {
				deferred = calls[e.cfg.ToolsPerRound:]
				calls = calls[:e.cfg.ToolsPerRound]
				roundLogger.Info("deferring excess tool calls",
					slog.Int("dispatching", len(calls)),
					slog.Int("deferred", len(deferred)),
				)
			}
		}

		roundLogger.Debug("state", slog.String("state", StateDispatching.String()))
		results, allCached := e.dispatch(ctx, st, calls)

		roundLogger.Debug("state", slog.String("state", StatePersisting.String()))
		// Persistence must finish even when the caller has gone away:
		// the executed actions already mutated external state.
		persistCtx := context.WithoutCancel(ctx)
		var batch []domain.Message
		if assistantMsg != nil {
			batch = append(batch, *assistantMsg)
		}
		for _, res := range results {
			batch = append(batch, domain.Message{
				Role:       domain.RoleTool,
				Name:       res.ToolName,
				ToolCallID: res.ToolCallID,
				Content:    res.Content(),
			})
		}
		if err := e.store.AppendMessages(persistCtx, st.turn.ConversationID, batch); err != nil {
			roundLogger.Error("failed to persist round", slog.String("error", err.Error()))
		}
		st.msgs = append(st.msgs, batch...)
		st.toolCalls += len(calls)

		st.turn.Events.emit(Event{Type: EventRoundComplete, Round: st.round})

		if len(deferred) > 0 {
			continue
		}

		// A round where every call replayed from the dedup cache means the
		// model is looping; show it the results once more without tools.
		if allCached {
			roundLogger.Warn("all tool calls were duplicates, forcing final round")
			return e.forceFinal(ctx, st, logger)
		}

		if ctx.Err() != nil {
			roundLogger.Info("turn cancelled, suppressing re-invocation")
			return e.finalize(ctx, st, st.lastText, logger)
		}

		roundLogger.Debug("state", slog.String("state", StateReinvoking.String()))
	}
}

// invoke runs one model call through the circuit breaker and consumes the
// whole stream into a finalized parse result.
func (e *Engine) invoke(ctx context.Context, msgs []domain.Message, tools []domain.ToolDefinition,
	temperature *float64, sink EventSink) (streamparse.ParseResult, error) {

	var res streamparse.ParseResult
	var dropped int

	br := e.breakers.Get(e.provider.Name())
	err := br.Do(ctx, func(ctx context.Context) error {
		ch, err := e.provider.Stream(ctx, provider.Request{
			Messages:    msgs,
			Tools:       tools,
			Temperature: temperature,
		})
		if err != nil {
			return err
		}

		p := streamparse.New(e.logger)
		for item := range ch {
			if item.Err != nil {
				return item.Err
			}
			p.Feed(item.Fragment)
			if item.Fragment.ContentDelta != "" {
				sink.emit(Event{Type: EventDelta, Text: item.Fragment.ContentDelta})
			}
		}
		res, dropped = p.Finish()
		return nil
	})
	if err != nil {
		return streamparse.ParseResult{}, err
	}
	if dropped > 0 {
		e.logger.Warn("dropped unparseable tool calls", slog.Int("count", dropped))
	}
	return res, nil
}

// dispatch executes one round's calls with bounded concurrency, preserving
// invocation order in the returned results. Execution continues on a
// detached context so started actions finish even if the caller cancels.
func (e *Engine) dispatch(ctx context.Context, st *turnState, calls []domain.ToolCall) ([]domain.ToolResult, bool) {
	execCtx := context.WithoutCancel(ctx)
	results := make([]domain.ToolResult, len(calls))
	cached := make([]bool, len(calls))

	// Identical calls inside one round execute once; later occurrences take
	// the first occurrence's result under their own call id.
	firstOf := make(map[string]int, len(calls))
	dupOf := make([]int, len(calls))
	for i, call := range calls {
		dupOf[i] = -1
		key := fingerprint(call)
		if j, ok := firstOf[key]; ok {
			dupOf[i] = j
			cached[i] = true
			continue
		}
		firstOf[key] = i
	}

	sem := make(chan struct{}, e.cfg.ToolConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		if dupOf[i] >= 0 {
			continue
		}
		if res, ok := st.dedup.lookup(call); ok {
			e.logger.Info("replaying recent duplicate tool call",
				slog.String("tool", call.Function.Name),
			)
			results[i] = res
			cached[i] = true
			continue
		}

		st.turn.Events.emit(Event{Type: EventToolExecution, Round: st.round, Tool: &calls[i]})

		wg.Add(1)
		go func(i int, call domain.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := e.executor.Execute(execCtx, call, st.turn.UserID)
			st.dedup.record(call, res)
			results[i] = res
		}(i, call)
	}
	wg.Wait()

	for i, j := range dupOf {
		if j < 0 {
			continue
		}
		e.logger.Info("replaying duplicate tool call from the same round",
			slog.String("tool", calls[i].Function.Name),
		)
		res := results[j]
		res.ToolCallID = calls[i].ID
		results[i] = res
	}

	allCached := len(calls) > 0
	for i := range calls {
		if !cached[i] {
			allCached = false
		}
		st.turn.Events.emit(Event{Type: EventToolResult, Round: st.round, Result: &results[i]})
		e.notifyDocument(calls[i], results[i])
	}
	return results, allCached
}

// notifyDocument mirrors note mutations to the broadcast hub so open views
// of the note refresh.
func (e *Engine) notifyDocument(call domain.ToolCall, res domain.ToolResult) {
	if e.hub == nil || !res.Success {
		return
	}
	docID := documentID(res)
	if docID == "" {
		return
	}
	switch call.Function.Name {
	case "create_note", "update_note":
		e.hub.Broadcast(broadcast.Event{
			Type:       broadcast.EventChunk,
			DocumentID: docID,
			Data:       string(res.Payload),
		})
	case "delete_note":
		e.hub.Broadcast(broadcast.Event{
			Type:       broadcast.EventEnd,
			DocumentID: docID,
		})
	}
}

// finalize is the successful terminal state.
func (e *Engine) finalize(ctx context.Context, st *turnState, text string, logger *slog.Logger) domain.TurnOutcome {
	logger.Info("turn finalized",
		slog.Int("rounds", st.round),
		slog.Int("tool_calls", st.toolCalls),
	)
	return domain.TurnOutcome{
		ConversationID: st.turn.ConversationID,
		FinalText:      text,
		Reasoning:      st.reasoning,
		RoundCount:     st.round,
		ToolCallCount:  st.toolCalls,
		Outcome:        domain.OutcomeFinalized,
	}
}

// forceFinal runs one last tool-less invocation so the model can summarize
// the executed work, then finalizes. A failure here degrades to the
// fallback text; budget exhaustion never aborts a turn.
func (e *Engine) forceFinal(ctx context.Context, st *turnState, logger *slog.Logger) domain.TurnOutcome {
	st.round++
	// A limiter denial here degrades rather than aborts: the turn's tool
	// work is already persisted and must be answered.
	if st.invoked {
		if d := e.RateLimitDecision(ctx, st.turn.UserID); d != nil && !d.Allowed {
			logger.Warn("final invocation rejected by rate limiter, using fallback")
			return e.finalize(ctx, st, e.fallbackText(st), logger)
		}
	}
	res, err := e.invoke(ctx, st.msgs, nil, nil, st.turn.Events)
	st.invoked = true
	if err != nil || res.Content == "" {
		if err != nil {
			logger.Warn("forced final invocation failed, using fallback",
				slog.String("error", err.Error()))
		}
		return e.finalize(ctx, st, e.fallbackText(st), logger)
	}
	if res.Reasoning != "" {
		st.reasoning = res.Reasoning
	}
	return e.finalize(ctx, st, res.Content, logger)
}

// fallbackText builds the degraded answer used when the model will not
// produce one.
func (e *Engine) fallbackText(st *turnState) string {
	if st.lastText != "" {
		return st.lastText
	}
	if st.toolCalls > 0 {
		return fmt.Sprintf("I completed %d action(s) on your notes, but couldn't produce a summary. Please check the results directly.", st.toolCalls)
	}
	return "I wasn't able to produce a response. Please try rephrasing your request."
}

// abort is the guard-rejection terminal state.
func (e *Engine) abort(turn Turn, reason string, retryAfter time.Duration) domain.TurnOutcome {
	outcome := domain.TurnOutcome{
		ConversationID: turn.ConversationID,
		Outcome:        domain.OutcomeAborted,
		AbortReason:    reason,
	}
	if retryAfter > 0 {
		outcome.RetryAfter = retryAfter
	}
	turn.Events.emit(Event{Type: EventError, Text: reason, Outcome: &outcome})
	return outcome
}

// invocationFailed maps a model invocation error to a terminal state: guard
// rejection aborts, and any upstream failure before the first usable
// content aborts too; later failures finalize with what exists.
func (e *Engine) invocationFailed(st *turnState, err error, logger *slog.Logger) domain.TurnOutcome {
	if errors.Is(err, breaker.ErrOpen) {
		logger.Warn("turn rejected by circuit breaker")
		return e.abort(st.turn, domain.AbortUpstreamUnavailable, 0)
	}
	logger.Error("model invocation failed", slog.String("error", err.Error()))
	if st.lastText == "" && st.toolCalls == 0 {
		return e.abort(st.turn, domain.AbortUpstreamUnavailable, 0)
	}
	return e.finalize(context.Background(), st, e.fallbackText(st), logger)
}

func documentID(res domain.ToolResult) string {
	var payload struct {
		ID      string `json:"id"`
		Deleted string `json:"deleted"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return ""
	}
	if payload.ID != "" {
		return payload.ID
	}
	return payload.Deleted
}
