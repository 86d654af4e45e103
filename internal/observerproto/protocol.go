package observerproto

// Version is the observer protocol version (separate from the edit WS protocol).
const Version = "0.1"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeFrame     = "FRAME"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Stride samples every Stride-th cell; 1 streams the full field.
	Stride int `json:"stride"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string        `json:"protocol_version"`
	TerrainID       string        `json:"terrain_id"`
	Tick            uint64        `json:"tick"`
	TerrainParams   TerrainParams `json:"terrain_params"`
}

type TerrainParams struct {
	TickRateHz    int     `json:"tick_rate_hz"`
	SizeX         int     `json:"size_x"`
	SizeY         int     `json:"size_y"`
	Seed          int64   `json:"seed"`
	FlattenFactor float64 `json:"flatten_factor"`
	Shader        string  `json:"shader,omitempty"`
	Mode          string  `json:"mode,omitempty"`
	MaxFrameDim   int     `json:"max_frame_dim"`
}

// Server -> Client. Sent on subscribe and after every recompute.
// Heights is encoding.EncodeHeights over [Min, Max], row-major W×H.
type FrameMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	Recompute       uint64  `json:"recompute"`
	Stride          int     `json:"stride"`
	W               int     `json:"w"`
	H               int     `json:"h"`
	Min             float64 `json:"min"`
	Max             float64 `json:"max"`
	Heights         string  `json:"heights"`
}
