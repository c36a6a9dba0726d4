// Package rps referees best-of-N rock paper scissors between two agents.
//
// Each round both agents receive "ROUND <n>\n" on stdin and answer with one
// line naming their move. Both then receive
// "RESULT <own move> <opponent move> <win|lose|draw>\n". After the last round
// both receive "END <own score> <opponent score>\n".
package rps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentarena/internal/match"
	appErr "agentarena/pkg/errors"
)

// Name is the registry name of the game.
const Name = "rps"

const (
	defaultRounds = 3
	maxRounds     = 1001
)

// Event types emitted to the match log.
const (
	EventRound  = "round"
	EventResult = "result"
)

type Move string

const (
	Rock     Move = "rock"
	Paper    Move = "paper"
	Scissors Move = "scissors"
)

func (m Move) beats(o Move) bool {
	return (m == Rock && o == Scissors) || (m == Paper && o == Rock) || (m == Scissors && o == Paper)
}

// ParseMove accepts a move name or its first letter, in any case.
func ParseMove(line []byte) (Move, bool) {
	switch strings.ToLower(string(bytes.TrimSpace(line))) {
	case "rock", "r":
		return Rock, true
	case "paper", "p":
		return Paper, true
	case "scissors", "s":
		return Scissors, true
	}
	return "", false
}

// Settings are read from the match request.
type Settings struct {
	Rounds int `json:"rounds"`
	// MoveTimeout overrides the per-message timeout, e.g. "2s".
	MoveTimeout string `json:"moveTimeout"`
}

// RoundPayload is the payload of a round event. Winner is -1 on a draw.
type RoundPayload struct {
	Round  int    `json:"round"`
	Moves  []Move `json:"moves"`
	Winner int    `json:"winner"`
}

// ResultPayload is the payload of the final result event. Winner is -1 on a
// draw.
type ResultPayload struct {
	Scores []int `json:"scores"`
	Winner int   `json:"winner"`
}

// Game implements match.Game.
type Game struct{}

func New() *Game { return &Game{} }

func (*Game) Name() string { return Name }

func (*Game) Run(ctx context.Context, gc *match.GameContext) error {
	if err := gc.ExpectNAgents(2); err != nil {
		return err
	}
	settings, err := parseSettings(gc.Settings())
	if err != nil {
		return err
	}
	if settings.MoveTimeout != "" {
		d, err := time.ParseDuration(settings.MoveTimeout)
		if err != nil || d <= 0 {
			return appErr.ValidationError("moveTimeout", "must be a positive duration")
		}
		gc.SetMessageTimeout(d)
	}

	scores := []int{0, 0}
	for round := 1; round <= settings.Rounds; round++ {
		if err := gc.BroadcastMessageToAgents(ctx, []byte(fmt.Sprintf("ROUND %d\n", round))); err != nil {
			return err
		}
		moves := make([]Move, 2)
		for i := range moves {
			line, err := gc.NextMessage(ctx, i)
			if err != nil {
				return err
			}
			move, ok := ParseMove(line)
			if !ok {
				return appErr.AgentFault(i, "agent %d played %q in round %d", i, truncate(line, 64), round)
			}
			moves[i] = move
		}

		winner := -1
		switch {
		case moves[0].beats(moves[1]):
			winner = 0
		case moves[1].beats(moves[0]):
			winner = 1
		}
		if winner >= 0 {
			scores[winner]++
		}
		for i := range moves {
			msg := fmt.Sprintf("RESULT %s %s %s\n", moves[i], moves[1-i], verdict(i, winner))
			if err := gc.SendMessageToAgent(ctx, i, []byte(msg)); err != nil {
				return err
			}
		}
		if err := gc.EmitGameEvent(ctx, RoundPayload{Round: round, Moves: moves, Winner: winner}, EventRound); err != nil {
			return err
		}
	}

	for i := range scores {
		if err := gc.SendMessageToAgent(ctx, i, []byte(fmt.Sprintf("END %d %d\n", scores[i], scores[1-i]))); err != nil {
			return err
		}
	}
	winner := -1
	switch {
	case scores[0] > scores[1]:
		winner = 0
	case scores[1] > scores[0]:
		winner = 1
	}
	return gc.EmitGameEvent(ctx, ResultPayload{Scores: scores, Winner: winner}, EventResult)
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	s := Settings{Rounds: defaultRounds}
	if len(bytes.TrimSpace(raw)) > 0 && string(bytes.TrimSpace(raw)) != "null" {
		if err := json.Unmarshal(raw, &s); err != nil {
			return s, appErr.Wrapf(err, appErr.InvalidParams, "invalid %s settings", Name)
		}
	}
	if s.Rounds == 0 {
		s.Rounds = defaultRounds
	}
	if s.Rounds < 0 || s.Rounds > maxRounds {
		return s, appErr.ValidationError("rounds", fmt.Sprintf("must be between 1 and %d", maxRounds))
	}
	return s, nil
}

func verdict(i, winner int) string {
	switch winner {
	case -1:
		return "draw"
	case i:
		return "win"
	default:
		return "lose"
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
