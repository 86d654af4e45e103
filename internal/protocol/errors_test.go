package protocol

import (
	"errors"
	"fmt"
	"testing"

	"terragen.ai/internal/sim/noise"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrInvalidArgument,
		ErrIndexOutOfRange,
		ErrUnknownOp,
		ErrBusy,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("chunk size 7: %w", noise.ErrInvalidArgument), ErrInvalidArgument},
		{fmt.Errorf("layer 9: %w", noise.ErrIndexOutOfRange), ErrIndexOutOfRange},
		{errors.New("boom"), ErrInternal},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v)=%q want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(CodeFor(tc.err)) {
			t.Fatalf("CodeFor(%v) returned unknown code", tc.err)
		}
	}
}

func TestSuggestOp(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"SET_SED", OpSetSeed, true},
		{"set_flaten", OpSetFlatten, true},
		{"ADD_LAYR", OpAddLayer, true},
		{"SET_LAYER_WIEGHT", OpSetLayerWeight, true},
		{"REMOVE_LAYERS", OpRemoveLayer, true},
		{"TELEPORT", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := SuggestOp(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("SuggestOp(%q)=(%q,%v) want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
	for _, op := range knownOps {
		if !IsKnownOp(op) {
			t.Fatalf("IsKnownOp(%q)=false", op)
		}
	}
}
