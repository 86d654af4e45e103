package terrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/protocol"
	"terragen.ai/internal/sim/fuse"
)

type RuntimeConfig struct {
	ID         string
	TickRateHz int
	// SnapshotEveryRecomputes > 0 pushes a snapshot to the sink from the first
	// tick step at which N recomputes have accumulated since the last one.
	SnapshotEveryRecomputes int
}

// Edit is one validated-on-arrival parameter change.
type Edit struct {
	Op            string
	Stack         fuse.LayerKind
	Index         int
	Seed          int64
	FlattenFactor float64
	Weight        float64
	ChunkSize     int
}

type EditRequest struct {
	SessionID string
	Ref       string
	Edit      Edit
	// Resp is optional; when nil the outcome goes to the session as ACK/ERROR.
	Resp chan EditResult
}

type EditResult struct {
	Tick      uint64
	Pending   bool
	Remaining uint
	Err       error
}

type SubscribeRequest struct {
	Name          string
	PreviewStride int
	Out           chan []byte
	Resp          chan protocol.WelcomeMsg
}

type RecomputeEntry struct {
	TerrainID         string        `json:"terrain_id"`
	Tick              uint64        `json:"tick"`
	Recompute         uint64        `json:"recompute"`
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
	Error             string        `json:"error,omitempty"`
}

type RecomputeLogger interface {
	WriteRecompute(entry RecomputeEntry) error
}

// EditAuditEntry records one edit request and its outcome.
type EditAuditEntry struct {
	Tick          uint64  `json:"tick"`
	SessionID     string  `json:"session_id,omitempty"`
	Ref           string  `json:"ref,omitempty"`
	Op            string  `json:"op"`
	Stack         string  `json:"stack,omitempty"`
	Index         int     `json:"index"`
	Seed          int64   `json:"seed,omitempty"`
	FlattenFactor float64 `json:"flatten_factor,omitempty"`
	Weight        float64 `json:"weight,omitempty"`
	ChunkSize     int     `json:"chunk_size,omitempty"`
	Code          string  `json:"code,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type EditLogger interface {
	WriteEdit(entry EditAuditEntry) error
}

type Metrics struct {
	Tick              uint64      `json:"tick"`
	Recomputes        uint64      `json:"recomputes"`
	Clients           int         `json:"clients"`
	Observers         int         `json:"observers"`
	State             string      `json:"state"`
	FusePending       bool        `json:"fuse_pending"`
	FuseRemaining     uint        `json:"fuse_remaining"`
	StepMS            float64     `json:"step_ms"`
	LastRecomputeMS   float64     `json:"last_recompute_ms"`
	WeightSumNoise    float64     `json:"weight_sum_noise"`
	WeightSumBaseline float64     `json:"weight_sum_baseline"`
	QueueDepths       QueueDepths `json:"queue_depths"`
}

type QueueDepths struct {
	Edits     int `json:"edits"`
	Subscribe int `json:"subscribe"`
	Leave     int `json:"leave"`
}

// MaxPreviewDim bounds the side of a RESULT preview; smaller strides are raised.
const MaxPreviewDim = 512

type client struct {
	out    chan []byte
	stride int
}

type snapshotReq struct {
	Resp chan snapshotResp
}

type snapshotResp struct {
	Tick uint64
	Err  string
}

type presetReq struct {
	// Apply is nil for a read.
	Apply *Preset
	Resp  chan presetResp
}

type presetResp struct {
	Preset Preset
	Err    error
}

// Runtime owns a Terrain and drives it from a single goroutine.
type Runtime struct {
	cfg    RuntimeConfig
	t      *Terrain
	logger *log.Logger

	edits     chan EditRequest
	subscribe chan SubscribeRequest
	leave     chan string
	admin     chan snapshotReq
	presets   chan presetReq
	stop      chan struct{}
	stopOnce  sync.Once

	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string

	clients     map[string]*client
	observers   map[string]*client
	nextSession uint64

	recomputeLogger RecomputeLogger
	editLogger      EditLogger
	snapshotSink    chan<- snapshot.SnapshotV1

	tick           atomic.Uint64
	metrics        atomic.Value
	lastRecomputeM float64
	// recomputes count at the last periodic snapshot
	snapshotMark uint64
}

func NewRuntime(cfg RuntimeConfig, t *Terrain, logger *log.Logger) *Runtime {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 60
	}
	if cfg.ID == "" {
		cfg.ID = "terrain_1"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[terrain] ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Runtime{
		cfg:       cfg,
		t:         t,
		logger:    logger,
		edits:     make(chan EditRequest, 256),
		subscribe: make(chan SubscribeRequest, 16),
		leave:     make(chan string, 16),
		admin:     make(chan snapshotReq, 4),
		presets:   make(chan presetReq, 4),
		stop:      make(chan struct{}),
		clients:   map[string]*client{},

		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 16),
		observerLeave: make(chan string, 16),
		observers:     map[string]*client{},
	}
	r.tick.Store(t.Tick())
	r.snapshotMark = t.Recomputes()
	r.publishMetrics(0)
	return r
}

func (r *Runtime) ID() string                                    { return r.cfg.ID }
func (r *Runtime) Edits() chan<- EditRequest                     { return r.edits }
func (r *Runtime) Subscribe() chan<- SubscribeRequest            { return r.subscribe }
func (r *Runtime) Leave() chan<- string                          { return r.leave }
func (r *Runtime) CurrentTick() uint64                           { return r.tick.Load() }
func (r *Runtime) SetRecomputeLogger(l RecomputeLogger)          { r.recomputeLogger = l }
func (r *Runtime) SetEditLogger(l EditLogger)                    { r.editLogger = l }
func (r *Runtime) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { r.snapshotSink = ch }
func (r *Runtime) Stop()                                         { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *Runtime) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingAdmin []snapshotReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.subscribe:
			r.handleSubscribe(req)
		case id := <-r.leave:
			delete(r.clients, id)
		case req := <-r.edits:
			r.handleEdit(req)
		case req := <-r.admin:
			pendingAdmin = append(pendingAdmin, req)
		case req := <-r.presets:
			r.handlePreset(req)
		case req := <-r.observerJoin:
			r.handleObserverJoin(req)
		case req := <-r.observerSub:
			r.handleObserverSubscribe(req)
		case id := <-r.observerLeave:
			delete(r.observers, id)
		case <-ticker.C:
			r.StepOnce()
			r.handleSnapshotRequests(pendingAdmin)
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

// StepOnce advances the terrain by one tick with the same ordering as Run.
// It must not be called concurrently with Run.
func (r *Runtime) StepOnce() StepReport {
	start := time.Now()
	rep, err := r.t.Step()
	r.tick.Store(r.t.Tick())
	if err != nil {
		r.logger.Printf("recompute tick=%d: %v", rep.Tick, err)
	}
	if rep.Recomputed {
		r.publishRecompute(rep, err)
		r.maybeAutoSnapshot()
	}
	r.publishMetrics(float64(time.Since(start).Microseconds()) / 1000)
	return rep
}

// publishRecompute logs a finished recompute and pushes RESULT and FRAME messages.
func (r *Runtime) publishRecompute(rep StepReport, err error) {
	r.lastRecomputeM = float64(rep.Duration.Microseconds()) / 1000
	entry := r.recomputeEntry(rep, err)
	if r.recomputeLogger != nil {
		if lerr := r.recomputeLogger.WriteRecompute(entry); lerr != nil {
			r.logger.Printf("recompute log: %v", lerr)
		}
	}
	r.broadcastResult(entry)
}

// maybeAutoSnapshot runs only after a tick step, so every edit logged on the
// snapshot's tick happened after the snapshot.
func (r *Runtime) maybeAutoSnapshot() {
	n := r.cfg.SnapshotEveryRecomputes
	if n <= 0 || r.t.Recomputes()-r.snapshotMark < uint64(n) {
		return
	}
	r.snapshotMark = r.t.Recomputes()
	if err := r.enqueueSnapshot(); err != nil {
		r.logger.Printf("auto snapshot: %v", err)
	}
}

func (r *Runtime) recomputeEntry(rep StepReport, err error) RecomputeEntry {
	lo, hi := r.t.ResultRef().MinMax()
	e := RecomputeEntry{
		TerrainID:         r.cfg.ID,
		Tick:              rep.Tick,
		Recompute:         r.t.Recomputes(),
		Seed:              r.t.Seed(),
		FlattenFactor:     r.t.FlattenFactor(),
		SeedChanged:       rep.Seed,
		FlattenChanged:    rep.Flatten,
		Layers:            rep.Layers,
		WeightSumNoise:    r.t.WeightSum(fuse.NoiseLayer),
		WeightSumBaseline: r.t.WeightSum(fuse.BaselineLayer),
		Min:               lo,
		Max:               hi,
		DurationMS:        float64(rep.Duration.Microseconds()) / 1000,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func (r *Runtime) handleSubscribe(req SubscribeRequest) {
	r.nextSession++
	id := fmt.Sprintf("S%d", r.nextSession)
	if req.Out != nil {
		r.clients[id] = &client{out: req.Out, stride: r.clampStride(req.PreviewStride)}
	}
	if req.Resp != nil {
		req.Resp <- r.welcome(id)
	}
}

func (r *Runtime) clampStride(stride int) int {
	if stride <= 0 {
		return 0
	}
	sx, sy := r.t.Size()
	side := sx
	if sy > side {
		side = sy
	}
	if lo := (side + MaxPreviewDim - 1) / MaxPreviewDim; stride < lo {
		return lo
	}
	return stride
}

func (r *Runtime) welcome(sessionID string) protocol.WelcomeMsg {
	sx, sy := r.t.Size()
	p := r.t.Preset()
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		Tick:            r.t.Tick(),
		Terrain: protocol.TerrainParams{
			TerrainID:         r.cfg.ID,
			SizeX:             sx,
			SizeY:             sy,
			GradientCount:     r.t.GradientCount(),
			TickRateHz:        r.cfg.TickRateHz,
			FuseCapacityTicks: r.t.Fuse().Capacity(),
		},
		Preset: protocol.PresetParams{
			Seed:           p.Seed,
			FlattenFactor:  p.FlattenFactor,
			NoiseLayers:    p.NoiseLayers,
			BaselineLayers: p.BaselineLayers,
			Shader:         p.Shader,
			Mode:           p.Mode,
		},
	}
}

// ApplyEdit routes one edit to the terrain. Seed, flatten and per-layer edits
// are scheduled through the fuse; structural edits take effect at once and are
// published as a recompute on the current tick.
func (r *Runtime) ApplyEdit(e Edit) EditResult {
	res, structural := r.applyEdit(e)
	if structural != nil {
		r.publishStructural(*structural)
	}
	return res
}

// applyEdit mutates the terrain and, for a successful structural edit, returns
// the recompute report still to be published.
func (r *Runtime) applyEdit(e Edit) (EditResult, *StepReport) {
	start := time.Now()
	var err error
	var change *LayerChange
	switch e.Op {
	case protocol.OpSetSeed:
		r.t.SetSeed(e.Seed)
	case protocol.OpSetFlatten:
		err = r.t.SetFlattenFactor(e.FlattenFactor)
	case protocol.OpSetLayerWeight:
		err = r.t.SetLayerWeight(e.Stack, e.Index, e.Weight)
	case protocol.OpSetLayerChunkSize:
		err = r.t.SetLayerChunkSize(e.Stack, e.Index, e.ChunkSize)
	case protocol.OpAddLayer:
		if err = r.t.AddLayer(e.Stack, e.ChunkSize, e.Weight); err == nil {
			change = &LayerChange{
				Stack:  e.Stack.String(),
				Index:  len(r.t.AppliedParams(e.Stack)) - 1,
				Update: UpdateAdd,
				Chunk:  e.ChunkSize,
				Weight: e.Weight,
			}
		}
	case protocol.OpRemoveLayer:
		if err = r.t.RemoveLayer(e.Stack, e.Index); err == nil {
			change = &LayerChange{Stack: e.Stack.String(), Index: e.Index, Update: UpdateRemove}
		}
	default:
		err = fmt.Errorf("unknown op %q", e.Op)
	}
	res := EditResult{
		Tick:      r.t.Tick(),
		Pending:   r.t.Fuse().Pending(),
		Remaining: r.t.Fuse().Remaining(),
		Err:       err,
	}
	if change == nil {
		return res, nil
	}
	return res, &StepReport{
		Tick:       r.t.Tick(),
		Layers:     []LayerChange{*change},
		Recomputed: true,
		Duration:   time.Since(start),
	}
}

func (r *Runtime) publishStructural(rep StepReport) {
	r.publishRecompute(rep, nil)
	r.publishMetrics(0)
}

func (r *Runtime) handleEdit(req EditRequest) {
	res, structural := r.applyEdit(req.Edit)
	if structural != nil {
		// ACK first, then the RESULT of the edit.
		defer r.publishStructural(*structural)
	}
	if r.editLogger != nil {
		if err := r.editLogger.WriteEdit(auditEntry(req, res)); err != nil {
			r.logger.Printf("edit log: %v", err)
		}
	}
	if req.Resp != nil {
		select {
		case req.Resp <- res:
		default:
		}
	}
	c := r.clients[req.SessionID]
	if c == nil {
		return
	}
	var msg any
	if res.Err != nil {
		msg = protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Ref:             req.Ref,
			Code:            protocol.CodeFor(res.Err),
			Message:         res.Err.Error(),
		}
	} else {
		msg = protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			Ref:             req.Ref,
			Op:              req.Edit.Op,
			Tick:            res.Tick,
			Pending:         res.Pending,
			RemainingTicks:  res.Remaining,
		}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sendLatest(c.out, b)
}

func auditEntry(req EditRequest, res EditResult) EditAuditEntry {
	e := EditAuditEntry{
		Tick:          res.Tick,
		SessionID:     req.SessionID,
		Ref:           req.Ref,
		Op:            req.Edit.Op,
		Index:         req.Edit.Index,
		Seed:          req.Edit.Seed,
		FlattenFactor: req.Edit.FlattenFactor,
		Weight:        req.Edit.Weight,
		ChunkSize:     req.Edit.ChunkSize,
	}
	switch req.Edit.Op {
	case protocol.OpSetLayerWeight, protocol.OpSetLayerChunkSize, protocol.OpAddLayer, protocol.OpRemoveLayer:
		e.Stack = req.Edit.Stack.String()
	}
	if res.Err != nil {
		e.Code = protocol.CodeFor(res.Err)
		e.Error = res.Err.Error()
	}
	return e
}

func (r *Runtime) broadcastResult(e RecomputeEntry) {
	r.broadcastFrames()
	if len(r.clients) == 0 {
		return
	}
	base := protocol.ResultMsg{
		Type:              protocol.TypeResult,
		ProtocolVersion:   protocol.Version,
		Tick:              e.Tick,
		Recomputes:        e.Recompute,
		Seed:              e.Seed,
		FlattenFactor:     e.FlattenFactor,
		SeedChanged:       e.SeedChanged,
		FlattenChanged:    e.FlattenChanged,
		WeightSumNoise:    e.WeightSumNoise,
		WeightSumBaseline: e.WeightSumBaseline,
		Min:               e.Min,
		Max:               e.Max,
		DurationMS:        e.DurationMS,
	}
	for _, c := range e.Layers {
		base.Layers = append(base.Layers, protocol.LayerChange{
			Stack:     c.Stack,
			Index:     c.Index,
			Update:    c.Update,
			ChunkSize: c.Chunk,
			Weight:    c.Weight,
		})
	}

	encoded := map[int][]byte{}
	for _, c := range r.clients {
		b, ok := encoded[c.stride]
		if !ok {
			msg := base
			if c.stride > 0 {
				msg.Preview = r.preview(c.stride)
			}
			var err error
			b, err = json.Marshal(msg)
			if err != nil {
				r.logger.Printf("encode result: %v", err)
				return
			}
			encoded[c.stride] = b
		}
		sendLatest(c.out, b)
	}
}

func (r *Runtime) preview(stride int) *protocol.Preview {
	g := r.t.ResultRef()
	w := (g.W + stride - 1) / stride
	h := (g.H + stride - 1) / stride
	p := &protocol.Preview{Stride: stride, W: w, H: h, Heights: make([]float64, 0, w*h)}
	for y := 0; y < g.H; y += stride {
		for x := 0; x < g.W; x += stride {
			p.Heights = append(p.Heights, g.At(x, y))
		}
	}
	return p
}

// sendLatest delivers b without blocking; a full queue drops its oldest message.
func sendLatest(out chan []byte, b []byte) {
	select {
	case out <- b:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- b:
	default:
	}
}

// RequestSnapshot asks the loop goroutine to push a snapshot to the sink.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (r *Runtime) RequestSnapshot(ctx context.Context) (uint64, error) {
	resp := make(chan snapshotResp, 1)
	select {
	case r.admin <- snapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-resp:
		if res.Err != "" {
			return res.Tick, errors.New(res.Err)
		}
		return res.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runtime) handleSnapshotRequests(reqs []snapshotReq) {
	if len(reqs) == 0 {
		return
	}
	res := snapshotResp{Tick: r.t.Tick()}
	if err := r.enqueueSnapshot(); err != nil {
		res.Err = err.Error()
	}
	for _, req := range reqs {
		if req.Resp == nil {
			continue
		}
		select {
		case req.Resp <- res:
		default:
			// Caller timed out; don't block the loop.
		}
	}
}

func (r *Runtime) enqueueSnapshot() error {
	if r.snapshotSink == nil {
		return errors.New("snapshot sink not configured")
	}
	select {
	case r.snapshotSink <- r.t.ExportSnapshot(r.cfg.ID):
		return nil
	default:
		return errors.New("snapshot sink backpressure")
	}
}

// RequestPreset returns the current preset from the loop goroutine.
func (r *Runtime) RequestPreset(ctx context.Context) (Preset, error) {
	return r.presetRoundTrip(ctx, presetReq{})
}

// RequestApplyPreset replaces every parameter and rebuilds immediately.
func (r *Runtime) RequestApplyPreset(ctx context.Context, p Preset) (Preset, error) {
	return r.presetRoundTrip(ctx, presetReq{Apply: &p})
}

func (r *Runtime) presetRoundTrip(ctx context.Context, req presetReq) (Preset, error) {
	req.Resp = make(chan presetResp, 1)
	select {
	case r.presets <- req:
	case <-ctx.Done():
		return Preset{}, ctx.Err()
	}
	select {
	case res := <-req.Resp:
		return res.Preset, res.Err
	case <-ctx.Done():
		return Preset{}, ctx.Err()
	}
}

func (r *Runtime) handlePreset(req presetReq) {
	var err error
	if req.Apply != nil {
		start := time.Now()
		if err = r.t.ApplyPreset(*req.Apply); err == nil {
			rep := StepReport{Tick: r.t.Tick(), Seed: true, Flatten: true, Recomputed: true, Duration: time.Since(start)}
			r.publishRecompute(rep, nil)
			r.publishMetrics(0)
		}
	}
	req.Resp <- presetResp{Preset: r.t.Preset(), Err: err}
}

func (r *Runtime) publishMetrics(stepMS float64) {
	r.metrics.Store(Metrics{
		Tick:              r.t.Tick(),
		Recomputes:        r.t.Recomputes(),
		Clients:           len(r.clients),
		Observers:         len(r.observers),
		State:             r.t.State().String(),
		FusePending:       r.t.Fuse().Pending(),
		FuseRemaining:     r.t.Fuse().Remaining(),
		StepMS:            stepMS,
		LastRecomputeMS:   r.lastRecomputeM,
		WeightSumNoise:    r.t.WeightSum(fuse.NoiseLayer),
		WeightSumBaseline: r.t.WeightSum(fuse.BaselineLayer),
		QueueDepths: QueueDepths{
			Edits:     len(r.edits),
			Subscribe: len(r.subscribe),
			Leave:     len(r.leave),
		},
	})
}

// Metrics is a read-only view updated by the loop goroutine after each tick.
func (r *Runtime) Metrics() Metrics {
	m, _ := r.metrics.Load().(Metrics)
	return m
}
