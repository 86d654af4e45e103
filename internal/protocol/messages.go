package protocol

import "terragen.ai/internal/sim/noise"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// PreviewStride > 0 asks for a downsampled heightfield in every RESULT.
	PreviewStride int `json:"preview_stride,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	Tick            uint64        `json:"tick"`
	Terrain         TerrainParams `json:"terrain"`
	Preset          PresetParams  `json:"preset"`
}

type TerrainParams struct {
	TerrainID         string `json:"terrain_id"`
	SizeX             int    `json:"size_x"`
	SizeY             int    `json:"size_y"`
	GradientCount     int    `json:"gradient_count"`
	TickRateHz        int    `json:"tick_rate_hz"`
	FuseCapacityTicks uint   `json:"fuse_capacity_ticks"`
}

type PresetParams struct {
	Seed           int64               `json:"seed"`
	FlattenFactor  float64             `json:"flatten_factor"`
	NoiseLayers    []noise.LayerParams `json:"noise_layers"`
	BaselineLayers []noise.LayerParams `json:"baseline_layers"`
	Shader         string              `json:"shader,omitempty"`
	Mode           string              `json:"mode,omitempty"`
}

// EDIT (client -> server)
type EditMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Ref             string  `json:"ref,omitempty"`
	Op              string  `json:"op"`
	Stack           string  `json:"stack,omitempty"`
	Index           int     `json:"index,omitempty"`
	Seed            int64   `json:"seed,omitempty"`
	FlattenFactor   float64 `json:"flatten_factor,omitempty"`
	Weight          float64 `json:"weight,omitempty"`
	ChunkSize       int     `json:"chunk_size,omitempty"`
}

// ACK (server -> client): the edit was accepted and either applied or scheduled.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref,omitempty"`
	Op              string `json:"op"`
	Tick            uint64 `json:"tick"`
	Pending         bool   `json:"pending"`
	RemainingTicks  uint   `json:"remaining_ticks"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Suggestion      string `json:"suggestion,omitempty"`
}

// RESULT (server -> client) after each recompute.
type ResultMsg struct {
	Type              string        `json:"type"`
	ProtocolVersion   string        `json:"protocol_version"`
	Tick              uint64        `json:"tick"`
	Recomputes        uint64        `json:"recomputes"`
	Seed              int64         `json:"seed"`
	FlattenFactor     float64       `json:"flatten_factor"`
	SeedChanged       bool          `json:"seed_changed,omitempty"`
	FlattenChanged    bool          `json:"flatten_changed,omitempty"`
	Layers            []LayerChange `json:"layers,omitempty"`
	WeightSumNoise    float64       `json:"weight_sum_noise"`
	WeightSumBaseline float64       `json:"weight_sum_baseline"`
	Min               float64       `json:"min"`
	Max               float64       `json:"max"`
	DurationMS        float64       `json:"duration_ms"`
	Preview           *Preview      `json:"preview,omitempty"`
}

type LayerChange struct {
	Stack     string  `json:"stack"`
	Index     int     `json:"index"`
	Update    string  `json:"update"`
	ChunkSize int     `json:"chunk_size"`
	Weight    float64 `json:"weight"`
}

// Preview is a row-major heightfield sampled every Stride cells.
type Preview struct {
	Stride  int       `json:"stride"`
	W       int       `json:"w"`
	H       int       `json:"h"`
	Heights []float64 `json:"heights"`
}
