package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/preset"
	"terragen.ai/internal/sim/noise"
	"terragen.ai/internal/sim/terrain"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "export-preset":
			exportPresetCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "preset":
			presetCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	terrainID := fs.String("terrain", "", "terrain id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "terrains")
	if *terrainID != "" {
		base = filepath.Join(base, *terrainID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// exportPresetCmd turns a snapshot's parameters into a preset file that the
// server can load with -preset or POST to /admin/v1/preset.
func exportPresetCmd(args []string) {
	fs := flag.NewFlagSet("export-preset", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	terrainID := fs.String("terrain", "", "terrain id")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	outPath := fs.String("out", "", "output preset path (optional; defaults to <terrain>/presets/<tick>.json)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*terrainID) == "" && strings.TrimSpace(*snapPath) == "" {
		fmt.Fprintln(os.Stderr, "missing -terrain or -snapshot")
		os.Exit(2)
	}
	terrainDir := filepath.Join(*dataDir, "terrains", *terrainID)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		p, err := snapshot.Latest(filepath.Join(terrainDir, "snapshots"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one:", err)
			os.Exit(2)
		}
		path = p
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	p := presetFromSnapshot(snap)

	out := strings.TrimSpace(*outPath)
	if out == "" {
		out = filepath.Join(terrainDir, "presets", fmt.Sprintf("%d.json", snap.Header.Tick))
	}
	if err := preset.Save(out, p); err != nil {
		fmt.Fprintln(os.Stderr, "write preset:", err)
		os.Exit(1)
	}
	fmt.Printf("export ok: snapshot=%s tick=%d seed=%d noise=%d baseline=%d out=%s\n",
		filepath.Base(path), snap.Header.Tick, p.Seed, len(p.NoiseLayers), len(p.BaselineLayers), out)
}

func presetFromSnapshot(snap snapshot.SnapshotV1) terrain.Preset {
	p := terrain.Preset{
		Seed:          snap.Seed,
		FlattenFactor: snap.FlattenFactor,
		Shader:        snap.Shader,
		Mode:          snap.Mode,
	}
	for _, l := range snap.NoiseLayers {
		p.NoiseLayers = append(p.NoiseLayers, layerParams(l))
	}
	for _, l := range snap.BaselineLayers {
		p.BaselineLayers = append(p.BaselineLayers, layerParams(l))
	}
	return p
}

func layerParams(l snapshot.LayerV1) noise.LayerParams {
	return noise.LayerParams{ChunkSize: l.ChunkSize, Weight: l.Weight}
}
