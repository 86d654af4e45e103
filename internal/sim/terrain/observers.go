package terrain

import (
	"context"
	"encoding/json"
	"fmt"

	"terragen.ai/internal/observerproto"
	"terragen.ai/internal/sim/encoding"
)

// MaxFrameDim bounds the side of an observer frame; smaller strides are raised.
const MaxFrameDim = 2048

type ObserverJoinRequest struct {
	SessionID string
	Stride    int
	Out       chan []byte
}

type ObserverSubscribeRequest struct {
	SessionID string
	Stride    int
}

func (r *Runtime) ObserverJoin() chan<- ObserverJoinRequest           { return r.observerJoin }
func (r *Runtime) ObserverSubscribe() chan<- ObserverSubscribeRequest { return r.observerSub }
func (r *Runtime) ObserverLeave() chan<- string                       { return r.observerLeave }

func (r *Runtime) handleObserverJoin(req ObserverJoinRequest) {
	if req.Out == nil {
		return
	}
	c := &client{out: req.Out, stride: r.clampFrameStride(req.Stride)}
	r.observers[req.SessionID] = c
	r.sendFrame(c)
}

func (r *Runtime) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := r.observers[req.SessionID]
	if c == nil {
		return
	}
	c.stride = r.clampFrameStride(req.Stride)
	r.sendFrame(c)
}

func (r *Runtime) clampFrameStride(stride int) int {
	if stride < 1 {
		stride = 1
	}
	sx, sy := r.t.Size()
	side := sx
	if sy > side {
		side = sy
	}
	if lo := (side + MaxFrameDim - 1) / MaxFrameDim; stride < lo {
		return lo
	}
	return stride
}

func (r *Runtime) sendFrame(c *client) {
	b, err := r.frame(c.stride)
	if err != nil {
		r.logger.Printf("encode frame: %v", err)
		return
	}
	sendLatest(c.out, b)
}

// broadcastFrames pushes the current field to every observer, encoding once per stride.
func (r *Runtime) broadcastFrames() {
	if len(r.observers) == 0 {
		return
	}
	encoded := map[int][]byte{}
	for _, c := range r.observers {
		b, ok := encoded[c.stride]
		if !ok {
			var err error
			b, err = r.frame(c.stride)
			if err != nil {
				r.logger.Printf("encode frame: %v", err)
				return
			}
			encoded[c.stride] = b
		}
		sendLatest(c.out, b)
	}
}

func (r *Runtime) frame(stride int) ([]byte, error) {
	lo, hi := r.t.ResultRef().MinMax()
	p := r.preview(stride)
	msg := observerproto.FrameMsg{
		Type:            observerproto.TypeFrame,
		ProtocolVersion: observerproto.Version,
		Tick:            r.t.Tick(),
		Recompute:       r.t.Recomputes(),
		Stride:          p.Stride,
		W:               p.W,
		H:               p.H,
		Min:             lo,
		Max:             hi,
		Heights:         encoding.EncodeHeights(p.Heights, lo, hi),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("frame tick=%d: %w", msg.Tick, err)
	}
	return b, nil
}

// RequestBootstrap describes the terrain for a viewer before it subscribes.
// The preset is read through the loop goroutine; size and tick rate never change.
func (r *Runtime) RequestBootstrap(ctx context.Context) (observerproto.BootstrapResponse, error) {
	p, err := r.RequestPreset(ctx)
	if err != nil {
		return observerproto.BootstrapResponse{}, err
	}
	sx, sy := r.t.Size()
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		TerrainID:       r.cfg.ID,
		Tick:            r.CurrentTick(),
		TerrainParams: observerproto.TerrainParams{
			TickRateHz:    r.cfg.TickRateHz,
			SizeX:         sx,
			SizeY:         sy,
			Seed:          p.Seed,
			FlattenFactor: p.FlattenFactor,
			Shader:        p.Shader,
			Mode:          p.Mode,
			MaxFrameDim:   MaxFrameDim,
		},
	}, nil
}
