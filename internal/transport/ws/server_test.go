package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"terragen.ai/internal/protocol"
	"terragen.ai/internal/sim/fuse"
	"terragen.ai/internal/sim/noise"
	"terragen.ai/internal/sim/terrain"
)

func startServer(t *testing.T) (string, func()) {
	t.Helper()
	tr, err := terrain.New(terrain.Config{
		SizeX:         16,
		SizeY:         16,
		GradientCount: 32,
		Fuse:          fuse.Options{Capacity: 2},
		Preset: terrain.Preset{
			Seed:           5,
			FlattenFactor:  2,
			NoiseLayers:    []noise.LayerParams{{ChunkSize: 8, Weight: 1}, {ChunkSize: 4, Weight: 0.5}},
			BaselineLayers: []noise.LayerParams{{ChunkSize: 16, Weight: 1}},
		},
	})
	if err != nil {
		t.Fatalf("terrain.New: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	rt := terrain.NewRuntime(terrain.RuntimeConfig{ID: "ws_test", TickRateHz: 200}, tr, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rt.Run(ctx) }()

	srv := httptest.NewServer(NewServer(rt, logger).Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return url, func() {
		srv.Close()
		cancel()
	}
}

func dial(t *testing.T, url string, stride int) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "t", PreviewStride: stride}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var w protocol.WelcomeMsg
	readType(t, conn, protocol.TypeWelcome, &w)
	return conn, w
}

// readType reads frames until one of type typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		base, err := protocol.Peek(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type != typ {
			continue
		}
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("unmarshal %s: %v", typ, err)
		}
		return
	}
}

func sendEdit(t *testing.T, conn *websocket.Conn, e protocol.EditMsg) {
	t.Helper()
	e.Type = protocol.TypeEdit
	e.ProtocolVersion = protocol.Version
	if err := conn.WriteJSON(e); err != nil {
		t.Fatalf("write edit: %v", err)
	}
}

func TestServer_HandshakeAndEditFlow(t *testing.T) {
	url, stop := startServer(t)
	defer stop()

	conn, w := dial(t, url, 4)
	defer conn.Close()
	if w.Terrain.TerrainID != "ws_test" || w.Terrain.SizeX != 16 || w.Preset.Seed != 5 {
		t.Fatalf("unexpected welcome: %+v", w)
	}

	sendEdit(t, conn, protocol.EditMsg{Ref: "w1", Op: protocol.OpSetLayerWeight, Stack: protocol.StackNoise, Index: 1, Weight: 3})
	var ack protocol.AckMsg
	readType(t, conn, protocol.TypeAck, &ack)
	if ack.Ref != "w1" || !ack.Pending {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var res protocol.ResultMsg
	readType(t, conn, protocol.TypeResult, &res)
	if len(res.Layers) != 1 || res.Layers[0].Index != 1 || res.WeightSumNoise != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Preview == nil || res.Preview.W != 4 || len(res.Preview.Heights) != 16 {
		t.Fatalf("unexpected preview: %+v", res.Preview)
	}
}

func TestServer_ErrorsAreReported(t *testing.T) {
	url, stop := startServer(t)
	defer stop()

	conn, _ := dial(t, url, 0)
	defer conn.Close()

	sendEdit(t, conn, protocol.EditMsg{Ref: "u1", Op: "SET_SED", Seed: 3})
	var e protocol.ErrorMsg
	readType(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrUnknownOp || e.Suggestion != protocol.OpSetSeed || e.Ref != "u1" {
		t.Fatalf("unexpected unknown-op error: %+v", e)
	}

	sendEdit(t, conn, protocol.EditMsg{Ref: "c1", Op: protocol.OpSetLayerChunkSize, Stack: protocol.StackNoise, Index: 0, ChunkSize: 5})
	readType(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrInvalidArgument || e.Ref != "c1" {
		t.Fatalf("unexpected chunk-size error: %+v", e)
	}

	sendEdit(t, conn, protocol.EditMsg{Ref: "i1", Op: protocol.OpRemoveLayer, Stack: protocol.StackBaseline, Index: 3})
	readType(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrIndexOutOfRange {
		t.Fatalf("unexpected index error: %+v", e)
	}
}

func TestServer_RejectsMissingHello(t *testing.T) {
	url, stop := startServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sendEdit(t, conn, protocol.EditMsg{Op: protocol.OpSetSeed})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestDecodeEdit(t *testing.T) {
	req, errMsg := decodeEdit([]byte(`{"type":"EDIT","protocol_version":"1.0","op":"add_layer","stack":"Baseline","chunk_size":8,"weight":1}`))
	if errMsg != nil {
		t.Fatalf("unexpected error: %+v", errMsg)
	}
	if req.Edit.Op != protocol.OpAddLayer || req.Edit.Stack != fuse.BaselineLayer || req.Edit.ChunkSize != 8 {
		t.Fatalf("unexpected edit: %+v", req.Edit)
	}

	if req, errMsg := decodeEdit([]byte(`{"type":"PING"}`)); req != nil || errMsg != nil {
		t.Fatalf("non-edit frames must be ignored")
	}

	cases := []struct {
		raw  string
		code string
	}{
		{`not json`, protocol.ErrProtoBadRequest},
		{`{"type":"EDIT","protocol_version":"0.1","op":"SET_SEED"}`, protocol.ErrProtoBadRequest},
		{`{"type":"EDIT","protocol_version":"1.0","op":"SET_LAYER_WEIGHT","stack":"x"}`, protocol.ErrBadRequest},
		{`{"type":"EDIT","protocol_version":"1.0","op":"SET_LAYER_WEIGHT","index":"a"}`, protocol.ErrBadRequest},
		{`{"type":"EDIT","protocol_version":"1.0","op":"TELEPORT"}`, protocol.ErrUnknownOp},
	}
	for _, tc := range cases {
		_, errMsg := decodeEdit([]byte(tc.raw))
		if errMsg == nil || errMsg.Code != tc.code {
			t.Fatalf("%s: got %+v want code %s", tc.raw, errMsg, tc.code)
		}
	}
}
