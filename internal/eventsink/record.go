// Package eventsink delivers match events to the places that consume them:
// the event topic, a redis stream per match, live websocket watchers and the
// compressed archive written when a match ends.
package eventsink

import (
	"encoding/json"

	"agentarena/internal/match"
)

// Record is the wire form of an event outside the executor. It is an Event
// tagged with the match it belongs to.
type Record struct {
	MatchID string `json:"match_id"`
	match.Event
}

func encodeRecord(matchID string, ev match.Event) ([]byte, error) {
	return json.Marshal(Record{MatchID: matchID, Event: ev})
}

// DecodeRecord parses one record produced by any sink in this package.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(data, &rec)
	return rec, err
}
