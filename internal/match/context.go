package match

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	appErr "agentarena/pkg/errors"
)

// DefaultMessageTimeout bounds NextMessage unless a game sets its own.
const DefaultMessageTimeout = 120 * time.Second

// GameContext is what a Game sees of a running match. Agent operations are
// issued sequentially by the game; a GameContext must not be shared between
// goroutines.
type GameContext struct {
	matchID  string
	ids      []string
	agents   []Agent
	settings json.RawMessage
	timeout  time.Duration
	events   *emitter
}

func (gc *GameContext) MatchID() string {
	return gc.matchID
}

// AgentCount returns the number of participants.
func (gc *GameContext) AgentCount() int {
	return len(gc.agents)
}

// AgentID returns the external identifier of the agent at index.
func (gc *GameContext) AgentID(index int) string {
	if index < 0 || index >= len(gc.ids) {
		return ""
	}
	return gc.ids[index]
}

// Settings returns the game settings from the match request, or nil.
func (gc *GameContext) Settings() json.RawMessage {
	return gc.settings
}

// ExpectNAgents fails unless exactly n agents take part.
func (gc *GameContext) ExpectNAgents(n int) error {
	if len(gc.agents) != n {
		return appErr.Newf(appErr.AgentCountMismatch, "expected %d agents, got %d", n, len(gc.agents))
	}
	return nil
}

// SetMessageTimeout changes the NextMessage timeout for the following calls.
func (gc *GameContext) SetMessageTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultMessageTimeout
	}
	gc.timeout = d
}

// MessageTimeout returns the current NextMessage timeout.
func (gc *GameContext) MessageTimeout() time.Duration {
	return gc.timeout
}

// NextMessage waits for the next line of the agent at index.
func (gc *GameContext) NextMessage(ctx context.Context, index int) ([]byte, error) {
	return gc.NextMessageWithin(ctx, index, gc.timeout)
}

// NextMessageWithin waits up to d for the next line of the agent at index.
// Running out of time, the agent exiting and an oversized line are all
// faults of that agent.
func (gc *GameContext) NextMessageWithin(ctx context.Context, index int, d time.Duration) ([]byte, error) {
	a, err := gc.agent(index)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	msg, err := a.NextMessage(wctx)
	if err == nil {
		return msg, nil
	}
	switch {
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return nil, appErr.Newf(appErr.AgentTimeout, "agent %d did not respond within %s", index, d).WithAgent(index)
	case appErr.Is(err, appErr.AgentTerminated):
		return nil, appErr.GetError(err).WithAgent(index)
	case appErr.Is(err, appErr.MessageTooLarge):
		return nil, appErr.Blame(err, index)
	}
	return nil, err
}

// SendMessageToAgent writes data to the stdin of the agent at index.
func (gc *GameContext) SendMessageToAgent(ctx context.Context, index int, data []byte) error {
	a, err := gc.agent(index)
	if err != nil {
		return err
	}
	return a.SendInput(ctx, data)
}

// BroadcastMessageToAgents writes data to every agent in order.
func (gc *GameContext) BroadcastMessageToAgents(ctx context.Context, data []byte) error {
	for i := range gc.agents {
		if err := gc.SendMessageToAgent(ctx, i, data); err != nil {
			return err
		}
	}
	return nil
}

// RebootAgent restarts the agent at index with args.
func (gc *GameContext) RebootAgent(ctx context.Context, index int, args []string) error {
	a, err := gc.agent(index)
	if err != nil {
		return err
	}
	return a.Reboot(ctx, args)
}

// RebootAllAgents restarts every agent with the same args.
func (gc *GameContext) RebootAllAgents(ctx context.Context, args []string) error {
	for i := range gc.agents {
		if err := gc.RebootAgent(ctx, i, args); err != nil {
			return err
		}
	}
	return nil
}

// TakeFile reads a file from the sandbox of the agent at index. Failures are
// resource faults; games that hold the agent responsible reclassify them with
// Blame.
func (gc *GameContext) TakeFile(ctx context.Context, index int, path string) ([]byte, error) {
	a, err := gc.agent(index)
	if err != nil {
		return nil, err
	}
	return a.TakeFile(ctx, path)
}

// EmitGameEvent appends a game event to the match log. Types starting with an
// underscore are reserved.
func (gc *GameContext) EmitGameEvent(ctx context.Context, payload interface{}, eventType string) error {
	if eventType == "" {
		return appErr.Newf(appErr.InvalidEventType, "event type is empty")
	}
	if strings.HasPrefix(eventType, "_") {
		return appErr.Newf(appErr.InvalidEventType, "event type %s is reserved", eventType).WithDetail("event_type", eventType)
	}
	return gc.events.emit(ctx, eventType, payload)
}

func (gc *GameContext) agent(index int) (Agent, error) {
	if index < 0 || index >= len(gc.agents) {
		return nil, appErr.Newf(appErr.AgentIndexInvalid, "agent index %d out of range [0,%d)", index, len(gc.agents))
	}
	return gc.agents[index], nil
}
