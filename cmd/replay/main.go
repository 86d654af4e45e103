package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/sim/noise"
	"terragen.ai/internal/sim/terrain"
	"terragen.ai/internal/sim/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		terrainDir = flag.String("terrain_dir", "", "terrain data dir containing audit/ and events/ logs (optional)")
		tuningPath = flag.String("tuning", "", "tuning.yaml the server ran with (fuse settings; default: built-in)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("snapshot v%d terrain=%s tick=%d size=%dx%d seed=%d flatten=%g noise=%d baseline=%d recomputes=%d range=[%.6f,%.6f]\n",
		snap.Header.Version, snap.Header.TerrainID, snap.Header.Tick, snap.SizeX, snap.SizeY, snap.Seed, snap.FlattenFactor,
		len(snap.NoiseLayers), len(snap.BaselineLayers), snap.Recomputes, snap.Min, snap.Max)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}

	t, err := terrainForSnapshot(snap, tune)
	if err != nil {
		fmt.Fprintln(os.Stderr, "terrain:", err)
		os.Exit(1)
	}
	if err := verifyHeights(t, snap.Heights); err != nil {
		fmt.Fprintln(os.Stderr, "heights:", err)
		os.Exit(1)
	}
	fmt.Println("heights ok: regenerated field matches snapshot")

	if *terrainDir == "" {
		return
	}

	edits, err := readEdits(*terrainDir, snap.Header.Tick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read edits:", err)
		os.Exit(1)
	}
	want, err := readRecomputes(*terrainDir, snap.Header.Tick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read recomputes:", err)
		os.Exit(1)
	}

	rt := terrain.NewRuntime(terrain.RuntimeConfig{ID: snap.Header.TerrainID}, t, log.New(io.Discard, "", 0))
	checked, err := replay(rt, t, edits, want, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: edits=%d recomputes=%d (from snapshot tick=%d to tick=%d)\n", len(edits), checked, snap.Header.Tick, t.Tick())
}

// terrainForSnapshot builds a terrain shaped like snap, with fuse settings
// from tune, and imports the snapshot into it.
func terrainForSnapshot(snap snapshot.SnapshotV1, tune tuning.Tuning) (*terrain.Terrain, error) {
	cfg := terrain.ConfigFromTuning(tune)
	cfg.SizeX, cfg.SizeY = snap.SizeX, snap.SizeY
	if snap.GradientCount > 0 {
		cfg.GradientCount = snap.GradientCount
	}
	cfg.Preset = terrain.Preset{Seed: snap.Seed, FlattenFactor: snap.FlattenFactor}
	for _, l := range snap.NoiseLayers {
		cfg.Preset.NoiseLayers = append(cfg.Preset.NoiseLayers, noise.LayerParams{ChunkSize: l.ChunkSize, Weight: l.Weight})
	}
	for _, l := range snap.BaselineLayers {
		cfg.Preset.BaselineLayers = append(cfg.Preset.BaselineLayers, noise.LayerParams{ChunkSize: l.ChunkSize, Weight: l.Weight})
	}
	t, err := terrain.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := t.ImportSnapshot(snap); err != nil {
		return nil, err
	}
	return t, nil
}
