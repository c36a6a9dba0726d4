// Package executor runs match requests taken from the queue: it reserves
// sandbox slots, brings up one agent per bundle and referees the match.
package executor

import (
	"encoding/json"
	"fmt"

	"agentarena/internal/bundle"
	appErr "agentarena/pkg/errors"
)

// AgentSpec names one participant and the bundle it runs.
type AgentSpec struct {
	ID string `json:"id"`
	bundle.Ref
}

// MatchRequest is the message that asks for a match to be played.
type MatchRequest struct {
	MatchID  string          `json:"matchId"`
	Game     string          `json:"game"`
	Agents   []AgentSpec     `json:"agents"`
	Settings json.RawMessage `json:"settings,omitempty"`
	// RAMBudgetMB overrides the configured memory of each sandbox.
	RAMBudgetMB int64 `json:"ramBudgetMb,omitempty"`
}

// DecodeRequest parses and validates a match request.
func DecodeRequest(data []byte) (MatchRequest, error) {
	var req MatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, appErr.Wrapf(err, appErr.InvalidParams, "decode match request failed")
	}
	return req, req.Validate()
}

// Validate checks the fields every match needs.
func (r MatchRequest) Validate() error {
	if r.MatchID == "" {
		return appErr.ValidationError("matchId", "required")
	}
	if r.Game == "" {
		return appErr.ValidationError("game", "required")
	}
	if len(r.Agents) == 0 {
		return appErr.ValidationError("agents", "required")
	}
	for i, a := range r.Agents {
		if a.ID == "" {
			return appErr.ValidationError(fmt.Sprintf("agents[%d].id", i), "required")
		}
		if a.Key == "" {
			return appErr.ValidationError(fmt.Sprintf("agents[%d].bundleKey", i), "required")
		}
	}
	if r.RAMBudgetMB < 0 {
		return appErr.ValidationError("ramBudgetMb", "must not be negative")
	}
	return nil
}

// AgentIDs returns the participant ids in order.
func (r MatchRequest) AgentIDs() []string {
	ids := make([]string, len(r.Agents))
	for i, a := range r.Agents {
		ids[i] = a.ID
	}
	return ids
}

// Refs returns the bundle references in order.
func (r MatchRequest) Refs() []bundle.Ref {
	refs := make([]bundle.Ref, len(r.Agents))
	for i, a := range r.Agents {
		refs[i] = a.Ref
	}
	return refs
}
