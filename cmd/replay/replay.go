package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "terragen.ai/internal/persistence/log"
	"terragen.ai/internal/sim/fuse"
	"terragen.ai/internal/sim/terrain"
)

const heightTolerance = 1e-9

func listLogFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func readEdits(terrainDir string, afterTick uint64) ([]terrain.EditAuditEntry, error) {
	files, err := listLogFiles(filepath.Join(terrainDir, "audit"), "edits")
	if err != nil {
		return nil, err
	}
	var out []terrain.EditAuditEntry
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var e terrain.EditAuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			// Rejected edits never reached the terrain.
			if e.Code != "" || e.Tick < afterTick {
				return nil
			}
			out = append(out, e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out, nil
}

func readRecomputes(terrainDir string, afterTick uint64) ([]terrain.RecomputeEntry, error) {
	files, err := listLogFiles(filepath.Join(terrainDir, "events"), "recomputes")
	if err != nil {
		return nil, err
	}
	var out []terrain.RecomputeEntry
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var e terrain.RecomputeEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if e.Tick > afterTick || (e.Tick == afterTick && structural(e)) {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out, nil
}

// structural reports a recompute published by ADD_LAYER or REMOVE_LAYER. Those
// land on the tick of the edit, after any snapshot taken at that tick.
func structural(e terrain.RecomputeEntry) bool {
	if e.SeedChanged || e.FlattenChanged || len(e.Layers) != 1 {
		return false
	}
	u := e.Layers[0].Update
	return u == terrain.UpdateAdd || u == terrain.UpdateRemove
}

func editFromAudit(e terrain.EditAuditEntry) (terrain.Edit, error) {
	edit := terrain.Edit{
		Op:            e.Op,
		Index:         e.Index,
		Seed:          e.Seed,
		FlattenFactor: e.FlattenFactor,
		Weight:        e.Weight,
		ChunkSize:     e.ChunkSize,
	}
	if e.Stack != "" {
		kind, ok := fuse.ParseLayerKind(e.Stack)
		if !ok {
			return edit, fmt.Errorf("tick %d: unknown stack %q", e.Tick, e.Stack)
		}
		edit.Stack = kind
	}
	return edit, nil
}

type collector struct{ entries []terrain.RecomputeEntry }

func (c *collector) WriteRecompute(e terrain.RecomputeEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

// replay re-applies logged edits on rt, tick by tick, and checks that every
// recompute lands on the same tick with the same parameters and height range.
// It stops after toTick when toTick > 0, otherwise once the fuse has drained
// past the last logged event.
func replay(rt *terrain.Runtime, t *terrain.Terrain, edits []terrain.EditAuditEntry, want []terrain.RecomputeEntry, toTick uint64) (int, error) {
	got := &collector{}
	rt.SetRecomputeLogger(got)

	last := t.Tick()
	if n := len(edits); n > 0 && edits[n-1].Tick > last {
		last = edits[n-1].Tick
	}
	if n := len(want); n > 0 && want[n-1].Tick > last {
		last = want[n-1].Tick
	}
	if toTick == 0 || toTick > last {
		toTick = last
	}

	next := 0
	for {
		for next < len(edits) && edits[next].Tick <= t.Tick() && edits[next].Tick <= toTick {
			edit, err := editFromAudit(edits[next])
			if err != nil {
				return 0, err
			}
			if res := rt.ApplyEdit(edit); res.Err != nil {
				return 0, fmt.Errorf("tick %d: %s rejected on replay: %w", edits[next].Tick, edits[next].Op, res.Err)
			}
			next++
		}
		if t.Tick() >= toTick && !t.Fuse().Pending() {
			break
		}
		rt.StepOnce()
	}

	var limit []terrain.RecomputeEntry
	for _, w := range want {
		if w.Tick <= t.Tick() {
			limit = append(limit, w)
		}
	}
	if len(got.entries) != len(limit) {
		return 0, fmt.Errorf("recompute count mismatch: replayed=%d logged=%d", len(got.entries), len(limit))
	}
	for i := range limit {
		if err := compareRecompute(got.entries[i], limit[i]); err != nil {
			return i, err
		}
	}
	return len(limit), nil
}

func compareRecompute(got, want terrain.RecomputeEntry) error {
	switch {
	case got.Tick != want.Tick:
		return fmt.Errorf("recompute %d: tick got=%d want=%d", want.Recompute, got.Tick, want.Tick)
	case got.Seed != want.Seed:
		return fmt.Errorf("tick %d: seed got=%d want=%d", want.Tick, got.Seed, want.Seed)
	case got.FlattenFactor != want.FlattenFactor:
		return fmt.Errorf("tick %d: flatten got=%v want=%v", want.Tick, got.FlattenFactor, want.FlattenFactor)
	case !near(got.WeightSumNoise, want.WeightSumNoise) || !near(got.WeightSumBaseline, want.WeightSumBaseline):
		return fmt.Errorf("tick %d: weight sums got=%v/%v want=%v/%v", want.Tick,
			got.WeightSumNoise, got.WeightSumBaseline, want.WeightSumNoise, want.WeightSumBaseline)
	case !near(got.Min, want.Min) || !near(got.Max, want.Max):
		return fmt.Errorf("tick %d: range got=[%v,%v] want=[%v,%v]", want.Tick, got.Min, got.Max, want.Min, want.Max)
	}
	return nil
}

func near(a, b float64) bool { return math.Abs(a-b) <= heightTolerance }

// verifyHeights checks the regenerated field against the heights stored in the snapshot.
func verifyHeights(t *terrain.Terrain, stored []float64) error {
	cells := t.ResultRef().Cells()
	if len(cells) != len(stored) {
		return fmt.Errorf("height count got=%d want=%d", len(cells), len(stored))
	}
	for i := range cells {
		if !near(cells[i], stored[i]) {
			return fmt.Errorf("height %d got=%v want=%v", i, cells[i], stored[i])
		}
	}
	return nil
}
