package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ojrac/opensimplex-go"

	"terragen.ai/internal/protocol"
	"terragen.ai/internal/sim/noise"
)

// bot drives a terrain server the way a slider UI would: bursts of small
// edits to one parameter, then a pause long enough for the fuse to fire.
func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "client name")
		stride = flag.Int("preview_stride", 0, "request a downsampled heightfield in every RESULT (0 = none)")
		every  = flag.Duration("every", 3*time.Second, "pause between edit bursts")
		burst  = flag.Int("burst", 8, "edits per burst")
		seed   = flag.Int64("seed", time.Now().UnixNano(), "rng seed for edit choice")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		PreviewStride:   *stride,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	inbox := make(chan []byte, 16)
	go func() {
		defer close(inbox)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			inbox <- msg
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	d := newDriver(*seed, logger)
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-inbox:
			if !ok {
				logger.Printf("connection closed")
				return
			}
			d.handle(msg)
		case <-ticker.C:
			if !d.ready {
				continue
			}
			for _, e := range d.nextBurst(*burst) {
				if err := conn.WriteJSON(e); err != nil {
					logger.Printf("send EDIT: %v", err)
					return
				}
			}
		}
	}
}

// dragStep is how far along the drag path one edit in a burst moves.
const dragStep = 0.15

func newDriver(seed int64, logger *log.Logger) *driver {
	return &driver{
		rng:    rand.New(rand.NewSource(seed)),
		drag:   opensimplex.NewNormalized(seed),
		logger: logger,
	}
}

type driver struct {
	rng *rand.Rand
	// drag shapes slider sweeps: values follow smooth 2D noise along time,
	// one row per slider, the way a hand wobbles while dragging.
	drag   opensimplex.Noise
	t      float64
	logger *log.Logger
	ready  bool
	seq    int
	preset protocol.PresetParams
}

func (d *driver) handle(msg []byte) {
	base, err := protocol.Peek(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		d.ready = true
		d.preset = w.Preset
		d.logger.Printf("WELCOME session=%s terrain=%s size=%dx%d seed=%d noise=%d baseline=%d fuse=%d",
			w.SessionID, w.Terrain.TerrainID, w.Terrain.SizeX, w.Terrain.SizeY, w.Preset.Seed,
			len(w.Preset.NoiseLayers), len(w.Preset.BaselineLayers), w.Terrain.FuseCapacityTicks)

	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err != nil {
			return
		}
		if !a.Pending {
			d.logger.Printf("ACK ref=%s op=%s applied tick=%d", a.Ref, a.Op, a.Tick)
		}

	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return
		}
		d.logger.Printf("ERROR ref=%s code=%s msg=%s suggestion=%s", e.Ref, e.Code, e.Message, e.Suggestion)

	case protocol.TypeResult:
		var r protocol.ResultMsg
		if err := json.Unmarshal(msg, &r); err != nil {
			return
		}
		d.observe(r)
		line := fmt.Sprintf("RESULT tick=%d recompute=%d seed=%v flatten=%v layers=%d range=[%.4f,%.4f] %.2fms",
			r.Tick, r.Recomputes, r.SeedChanged, r.FlattenChanged, len(r.Layers), r.Min, r.Max, r.DurationMS)
		if r.Preview != nil {
			line += fmt.Sprintf(" preview=%dx%d", r.Preview.W, r.Preview.H)
		}
		d.logger.Print(line)
	}
}

// observe keeps the local view of layer stacks in step with what the server applied.
func (d *driver) observe(r protocol.ResultMsg) {
	for _, c := range r.Layers {
		layers := d.stack(c.Stack)
		if layers == nil || c.Index < 0 || c.Index >= len(*layers) {
			continue
		}
		(*layers)[c.Index].ChunkSize = c.ChunkSize
		(*layers)[c.Index].Weight = c.Weight
	}
}

func (d *driver) stack(name string) *[]noise.LayerParams {
	switch name {
	case protocol.StackNoise:
		return &d.preset.NoiseLayers
	case protocol.StackBaseline:
		return &d.preset.BaselineLayers
	}
	return nil
}

// nextBurst picks one slider and emits n values sweeping across it.
func (d *driver) nextBurst(n int) []protocol.EditMsg {
	if n <= 0 {
		n = 1
	}
	out := make([]protocol.EditMsg, 0, n)
	mk := func(op string) protocol.EditMsg {
		d.seq++
		return protocol.EditMsg{
			Type:            protocol.TypeEdit,
			ProtocolVersion: protocol.Version,
			Ref:             fmt.Sprintf("E%d", d.seq),
			Op:              op,
		}
	}

	switch k := d.rng.Intn(10); {
	case k == 0:
		e := mk(protocol.OpSetSeed)
		e.Seed = d.rng.Int63()
		out = append(out, e)
	case k <= 2:
		for i := 0; i < n; i++ {
			e := mk(protocol.OpSetFlatten)
			// Normalized noise is in [0, 1), so the factor stays in [0.5, 2).
			e.FlattenFactor = 0.5 + 1.5*d.drag.Eval2(d.t+float64(i)*dragStep, -1)
			out = append(out, e)
		}
	default:
		if len(d.preset.NoiseLayers) == 0 {
			e := mk(protocol.OpAddLayer)
			e.Stack = protocol.StackNoise
			e.ChunkSize = 1
			e.Weight = 1
			return append(out, e)
		}
		idx := d.rng.Intn(len(d.preset.NoiseLayers))
		base := d.preset.NoiseLayers[idx].Weight
		for i := 0; i < n; i++ {
			e := mk(protocol.OpSetLayerWeight)
			e.Stack = protocol.StackNoise
			e.Index = idx
			e.Weight = max(0, base+d.drag.Eval2(d.t+float64(i)*dragStep, float64(idx))-0.5)
			out = append(out, e)
		}
	}
	d.t += float64(n) * dragStep
	return out
}
