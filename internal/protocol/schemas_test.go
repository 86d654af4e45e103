package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"terragen.ai/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// toAny round-trips v through JSON so the validator sees plain maps.
func toAny(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	hello := compileSchema(t, "hello.schema.json")
	edit := compileSchema(t, "edit.schema.json")
	result := compileSchema(t, "result.schema.json")

	if err := hello.Validate(toAny(t, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "bot1",
		PreviewStride:   16,
	})); err != nil {
		t.Fatalf("hello: %v", err)
	}

	for _, msg := range []protocol.EditMsg{
		{Type: protocol.TypeEdit, ProtocolVersion: protocol.Version, Op: protocol.OpSetSeed, Seed: 7},
		{Type: protocol.TypeEdit, ProtocolVersion: protocol.Version, Op: protocol.OpSetFlatten, FlattenFactor: 1.5},
		{Type: protocol.TypeEdit, ProtocolVersion: protocol.Version, Ref: "e1", Op: protocol.OpSetLayerWeight, Stack: protocol.StackNoise, Index: 2, Weight: 40},
		{Type: protocol.TypeEdit, ProtocolVersion: protocol.Version, Op: protocol.OpAddLayer, Stack: protocol.StackBaseline, ChunkSize: 30, Weight: 1},
	} {
		if err := edit.Validate(toAny(t, msg)); err != nil {
			t.Fatalf("edit %s: %v", msg.Op, err)
		}
	}

	if err := result.Validate(toAny(t, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Tick:            31,
		Recomputes:      1,
		Seed:            7,
		FlattenFactor:   1,
		Layers:          []protocol.LayerChange{{Stack: protocol.StackNoise, Index: 0, Update: "BOTH", ChunkSize: 360, Weight: 20}},
		WeightSumNoise:  408,
		Min:             -0.2,
		Max:             0.3,
		Preview:         &protocol.Preview{Stride: 2, W: 1, H: 1, Heights: []float64{0.1}},
	})); err != nil {
		t.Fatalf("result: %v", err)
	}
}

func TestSchemas_RejectBadEdits(t *testing.T) {
	edit := compileSchema(t, "edit.schema.json")
	bad := []string{
		`{"type":"EDIT","protocol_version":"1.0","op":"TELEPORT"}`,
		`{"type":"EDIT","protocol_version":"1.0","op":"SET_LAYER_WEIGHT","index":0,"weight":1}`,
		`{"type":"EDIT","protocol_version":"1.0","op":"SET_FLATTEN","flatten_factor":0}`,
		`{"type":"EDIT","protocol_version":"1.0","op":"ADD_LAYER","stack":"detail","chunk_size":4}`,
	}
	for _, raw := range bad {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if err := edit.Validate(v); err == nil {
			t.Fatalf("expected schema rejection for %s", raw)
		}
	}
}
