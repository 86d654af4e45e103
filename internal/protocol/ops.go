package protocol

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Edit ops.
const (
	OpSetSeed           = "SET_SEED"
	OpSetFlatten        = "SET_FLATTEN"
	OpSetLayerWeight    = "SET_LAYER_WEIGHT"
	OpSetLayerChunkSize = "SET_LAYER_CHUNK_SIZE"
	OpAddLayer          = "ADD_LAYER"
	OpRemoveLayer       = "REMOVE_LAYER"
)

// Layer stacks.
const (
	StackNoise    = "noise"
	StackBaseline = "baseline"
)

var knownOps = []string{
	OpSetSeed,
	OpSetFlatten,
	OpSetLayerWeight,
	OpSetLayerChunkSize,
	OpAddLayer,
	OpRemoveLayer,
}

func IsKnownOp(op string) bool {
	for _, k := range knownOps {
		if k == op {
			return true
		}
	}
	return false
}

// SuggestOp returns the closest known op to a mistyped one, if any is near enough.
func SuggestOp(op string) (string, bool) {
	op = strings.ToUpper(strings.TrimSpace(op))
	if op == "" {
		return "", false
	}
	best, bestDist := "", -1
	for _, k := range knownOps {
		dist := levenshtein.ComputeDistance(op, k)
		if dist > levenshteinLimit(len(k)) {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = k, dist
		}
	}
	return best, bestDist >= 0
}

func levenshteinLimit(length int) int {
	switch {
	case length <= 4:
		return 1
	case length <= 8:
		return 2
	default:
		return 3
	}
}
