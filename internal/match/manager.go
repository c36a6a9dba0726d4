// Package match referees a game between agents and records it as an ordered
// event log.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/contextkey"
	"agentarena/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

// Outcome summarises how a match ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeForfeit   Outcome = "forfeit"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what Run reports besides the event log.
type Result struct {
	Outcome Outcome
	// ForfeitAgent is the index of the forfeiting agent, or -1.
	ForfeitAgent int
	// Err is the failure that ended the match, if any.
	Err error
	// Reason is the cancellation reason, if any.
	Reason string
}

// Option configures a Manager.
type Option func(*Manager)

// WithCancellationChecker polls checker before expensive steps.
func WithCancellationChecker(checker CancellationChecker) Option {
	return func(m *Manager) { m.checker = checker }
}

// WithMessageTimeout sets the initial NextMessage timeout.
func WithMessageTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSettings passes game settings through to the GameContext.
func WithSettings(settings []byte) Option {
	return func(m *Manager) { m.settings = settings }
}

// WithClock replaces the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs one match.
type Manager struct {
	matchID  string
	game     Game
	agentIDs []string
	factory  AgentFactory
	sink     EventSink
	checker  CancellationChecker
	timeout  time.Duration
	settings []byte
	now      func() time.Time
}

func NewManager(matchID string, game Game, agentIDs []string, factory AgentFactory, sink EventSink, opts ...Option) *Manager {
	m := &Manager{
		matchID:  matchID,
		game:     game,
		agentIDs: agentIDs,
		factory:  factory,
		sink:     sink,
		timeout:  DefaultMessageTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run plays the match. The log always starts with _START and ends with _END;
// a failure adds _FORFEIT (only when an agent is at fault) and _ERROR before
// _END, a cancellation adds _CANCELLED. Every spawned agent is shut down
// before Run returns. The error is non-nil only when the log could not be
// written.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	ctx = contextkey.WithMatch(ctx, m.matchID)
	events := &emitter{sink: m.sink, matchID: m.matchID, now: m.now}

	if err := events.emit(ctx, EventStart, StartPayload{Agents: m.agentIDs}); err != nil {
		return Result{Outcome: OutcomeError, ForfeitAgent: -1, Err: err}, err
	}
	logger.Info(ctx, "match started", zap.String("game", m.game.Name()), zap.Strings("agents", m.agentIDs))

	if cancelled, reason := m.cancelled(ctx); cancelled {
		return m.cancel(ctx, events, reason)
	}

	agents, err := m.spawnAgents(ctx)
	if err != nil {
		if cancelled, reason := m.cancelledBy(ctx, err); cancelled {
			return m.cancel(ctx, events, reason)
		}
		return m.fail(ctx, events, err, nil)
	}
	logs := func() []string { return m.shutdownAgents(ctx, agents) }

	if cancelled, reason := m.cancelled(ctx); cancelled {
		logs()
		return m.cancel(ctx, events, reason)
	}

	gc := &GameContext{
		matchID:  m.matchID,
		ids:      m.agentIDs,
		agents:   agents,
		settings: m.settings,
		timeout:  m.timeout,
		events:   events,
	}
	gameErr := m.play(ctx, gc)
	agentLogs := logs()

	if gameErr == nil {
		if err := events.emit(context.WithoutCancel(ctx), EventEnd, struct{}{}); err != nil {
			return Result{Outcome: OutcomeError, ForfeitAgent: -1, Err: err}, err
		}
		logger.Info(ctx, "match completed")
		return Result{Outcome: OutcomeCompleted, ForfeitAgent: -1}, nil
	}
	if cancelled, reason := m.cancelledBy(ctx, gameErr); cancelled {
		return m.cancel(ctx, events, reason)
	}
	return m.fail(ctx, events, gameErr, agentLogs)
}

// play runs the game, turning a panic into a system fault.
func (m *Manager) play(ctx context.Context, gc *GameContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = appErr.Newf(appErr.InternalServerError, "game %s panicked: %v", m.game.Name(), p)
		}
	}()
	return m.game.Run(ctx, gc)
}

// spawnAgents brings every agent up in parallel. Either all succeed or the
// ones that did are shut down again. The error of the lowest index wins.
func (m *Manager) spawnAgents(ctx context.Context) ([]Agent, error) {
	agents := make([]Agent, len(m.agentIDs))
	errs := make([]error, len(m.agentIDs))
	group := threading.NewRoutineGroup()
	for i, id := range m.agentIDs {
		i, id := i, id
		group.RunSafe(func() {
			a, err := m.factory.SpawnAgent(contextkey.WithAgent(ctx, id), i, id)
			if err != nil {
				errs[i] = err
				return
			}
			agents[i] = a
		})
	}
	group.Wait()

	for i, err := range errs {
		if err == nil && agents[i] == nil {
			errs[i] = appErr.Newf(appErr.SandboxSpawnFailed, "agent %d was not spawned", i)
		}
	}
	for _, err := range errs {
		if err != nil {
			m.shutdownAgents(ctx, agents)
			return nil, err
		}
	}
	return agents, nil
}

// shutdownAgents tears every agent down in parallel and returns their logs.
func (m *Manager) shutdownAgents(ctx context.Context, agents []Agent) []string {
	ctx = context.WithoutCancel(ctx)
	logs := make([]string, len(agents))
	group := threading.NewRoutineGroup()
	for i, a := range agents {
		if a == nil {
			continue
		}
		i, a := i, a
		group.RunSafe(func() {
			out, err := a.Shutdown(ctx)
			if err != nil {
				logger.Warn(ctx, "agent shutdown failed", zap.Int("agent", i), zap.Error(err))
			}
			logs[i] = out
		})
	}
	group.Wait()
	return logs
}

func (m *Manager) cancelled(ctx context.Context) (bool, string) {
	if err := ctx.Err(); err != nil {
		return true, err.Error()
	}
	if m.checker == nil {
		return false, ""
	}
	cancelled, reason, err := m.checker.IsCancelled(ctx, m.matchID)
	if err != nil {
		logger.Warn(ctx, "cancellation check failed", zap.Error(err))
		return false, ""
	}
	return cancelled, reason
}

// cancelledBy reports whether err is a consequence of the match being cancelled.
func (m *Manager) cancelledBy(ctx context.Context, err error) (bool, string) {
	if appErr.Is(err, appErr.MatchCancelled) {
		return true, appErr.GetError(err).Error()
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true, ctx.Err().Error()
	}
	return false, ""
}

func (m *Manager) cancel(ctx context.Context, events *emitter, reason string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger.Info(ctx, "match cancelled", zap.String("reason", reason))
	res := Result{Outcome: OutcomeCancelled, ForfeitAgent: -1, Reason: reason}
	if err := events.emit(ctx, EventCancelled, CancelledPayload{Reason: reason}); err != nil {
		return res, err
	}
	if err := events.emit(ctx, EventEnd, struct{}{}); err != nil {
		return res, err
	}
	return res, nil
}

func (m *Manager) fail(ctx context.Context, events *emitter, cause error, agentLogs []string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	res := Result{Outcome: OutcomeError, ForfeitAgent: -1, Err: cause}
	e := appErr.GetError(cause)

	if index, ok := appErr.AttributedAgent(cause); ok {
		res.Outcome = OutcomeForfeit
		res.ForfeitAgent = index
		logger.Warn(ctx, "agent forfeited", zap.Int("agent", index), zap.Error(cause))
		forfeit := ForfeitPayload{AgentID: index, Stderr: e.Detail("stderr")}
		if err := events.emit(ctx, EventForfeit, forfeit); err != nil {
			return res, err
		}
	} else {
		logger.Error(ctx, "match failed", zap.Error(cause), zap.String("kind", appErr.KindOf(cause).String()))
	}

	payload := ErrorPayload{
		Error:  cause.Error(),
		Debug:  debugInfo(e),
		VMLogs: vmLogs(e, res.ForfeitAgent, agentLogs),
	}
	if err := events.emit(ctx, EventError, payload); err != nil {
		return res, err
	}
	if err := events.emit(ctx, EventEnd, struct{}{}); err != nil {
		return res, err
	}
	return res, nil
}

func debugInfo(e *appErr.Error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "code=%d kind=%s", e.Code, e.Code.Kind())
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			if k == "vm_logs" || k == "stderr" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Details[k])
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "\ncause: %v", e.Err)
	}
	b.WriteString(e.Stack)
	return b.String()
}

// vmLogs prefers logs attached to the error, then those of the agent at fault,
// then everything that was recorded.
func vmLogs(e *appErr.Error, forfeit int, agentLogs []string) string {
	if logs := e.Detail("vm_logs"); logs != "" {
		return logs
	}
	if forfeit >= 0 && forfeit < len(agentLogs) {
		return agentLogs[forfeit]
	}
	var b strings.Builder
	for i, logs := range agentLogs {
		if logs == "" {
			continue
		}
		fmt.Fprintf(&b, "--- agent %d ---\n%s", i, logs)
	}
	return b.String()
}
