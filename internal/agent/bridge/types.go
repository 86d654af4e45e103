package bridge

import (
	"encoding/json"

	"terragen.ai/internal/protocol"
)

// Status is returned by terrain.get_status.
type Status struct {
	Connected       bool                    `json:"connected"`
	SessionID       string                  `json:"session_id,omitempty"`
	TerrainWSURL    string                  `json:"terrain_ws_url"`
	Terrain         *protocol.TerrainParams `json:"terrain,omitempty"`
	Seed            int64                   `json:"seed"`
	FlattenFactor   float64                 `json:"flatten_factor"`
	LastResultTick  uint64                  `json:"last_result_tick"`
	Recomputes      uint64                  `json:"recomputes"`
	PendingEdits    int                     `json:"pending_edits"`
	LastConnectedAt string                  `json:"last_connected_at,omitempty"`
	Paused          bool                    `json:"paused,omitempty"`
	LastError       string                  `json:"last_error,omitempty"`
}

type GetResultOpts struct {
	WaitNewResult  bool `json:"wait_new_result"`
	TimeoutMS      int  `json:"timeout_ms"`
	IncludePreview bool `json:"include_preview"`
}

type ResultResult struct {
	Tick       uint64          `json:"tick"`
	Recomputes uint64          `json:"recomputes"`
	SessionID  string          `json:"session_id"`
	Result     json.RawMessage `json:"result"`
}

// EditArgs carries EDIT messages without type or protocol_version; the
// session fills those in and generates refs where missing.
type EditArgs struct {
	Edits     []protocol.EditMsg `json:"edits"`
	TimeoutMS int                `json:"timeout_ms"`
}

type EditOutcome struct {
	Ref            string `json:"ref"`
	Op             string `json:"op"`
	OK             bool   `json:"ok"`
	Tick           uint64 `json:"tick,omitempty"`
	Pending        bool   `json:"pending,omitempty"`
	RemainingTicks uint   `json:"remaining_ticks,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
}

type EditResult struct {
	SessionID string        `json:"session_id"`
	Outcomes  []EditOutcome `json:"outcomes"`
}
