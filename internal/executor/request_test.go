package executor

import (
	"reflect"
	"testing"

	"agentarena/internal/bundle"
	appErr "agentarena/pkg/errors"
)

func TestDecodeRequest(t *testing.T) {
	t.Parallel()
	body := `{"matchId":"m-1","game":"rps","settings":{"rounds":5},"ramBudgetMb":256,
		"agents":[{"id":"a","bundleKey":"bots/a.bin","bundleHash":"abc"},{"id":"b","bundleKey":"bots/b.bin"}]}`
	req, err := DecodeRequest([]byte(body))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if req.MatchID != "m-1" || req.Game != "rps" || req.RAMBudgetMB != 256 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if string(req.Settings) != `{"rounds":5}` {
		t.Fatalf("expected raw settings, got %s", req.Settings)
	}
	if got := req.AgentIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected agent ids [a b], got %v", got)
	}
	want := []bundle.Ref{{Key: "bots/a.bin", SHA256: "abc"}, {Key: "bots/b.bin"}}
	if got := req.Refs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected refs %v, got %v", want, got)
	}
}

func TestDecodeRequestRejectsMalformed(t *testing.T) {
	t.Parallel()
	if _, err := DecodeRequest([]byte("[1,2")); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()
	valid := func() MatchRequest {
		return MatchRequest{
			MatchID: "m",
			Game:    "rps",
			Agents: []AgentSpec{
				{ID: "a", Ref: bundle.Ref{Key: "a.bin"}},
				{ID: "b", Ref: bundle.Ref{Key: "b.bin"}},
			},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*MatchRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(*MatchRequest) {}},
		{name: "missing match id", mutate: func(r *MatchRequest) { r.MatchID = "" }, wantErr: true},
		{name: "missing game", mutate: func(r *MatchRequest) { r.Game = "" }, wantErr: true},
		{name: "no agents", mutate: func(r *MatchRequest) { r.Agents = nil }, wantErr: true},
		{name: "agent without id", mutate: func(r *MatchRequest) { r.Agents[1].ID = "" }, wantErr: true},
		{name: "agent without bundle", mutate: func(r *MatchRequest) { r.Agents[0].Key = "" }, wantErr: true},
		{name: "negative ram", mutate: func(r *MatchRequest) { r.RAMBudgetMB = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := valid()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr && !appErr.Is(err, appErr.ValidationFailed) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}
