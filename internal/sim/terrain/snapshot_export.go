package terrain

import (
	"fmt"

	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/sim/fuse"
	"terragen.ai/internal/sim/noise"
)

func layersV1(params []noise.LayerParams) []snapshot.LayerV1 {
	out := make([]snapshot.LayerV1, 0, len(params))
	for _, p := range params {
		out = append(out, snapshot.LayerV1{ChunkSize: p.ChunkSize, Weight: p.Weight})
	}
	return out
}

func layerParams(layers []snapshot.LayerV1) []noise.LayerParams {
	out := make([]noise.LayerParams, 0, len(layers))
	for _, l := range layers {
		out = append(out, noise.LayerParams{ChunkSize: l.ChunkSize, Weight: l.Weight})
	}
	return out
}

// ExportSnapshot captures the requested parameters and the current merged field.
func (t *Terrain) ExportSnapshot(terrainID string) snapshot.SnapshotV1 {
	g := t.ResultRef()
	lo, hi := g.MinMax()
	return snapshot.SnapshotV1{
		Header:            snapshot.Header{Version: snapshot.Version, TerrainID: terrainID, Tick: t.tick},
		SizeX:             t.sizeX,
		SizeY:             t.sizeY,
		GradientCount:     t.gradientCount,
		Seed:              t.settings.Seed,
		FlattenFactor:     t.settings.FlattenFactor,
		NoiseLayers:       layersV1(t.settings.NoiseLayers),
		BaselineLayers:    layersV1(t.settings.BaselineLayers),
		Shader:            t.settings.Shader,
		Mode:              t.settings.Mode,
		Recomputes:        t.recomputes,
		WeightSumNoise:    t.WeightSum(fuse.NoiseLayer),
		WeightSumBaseline: t.WeightSum(fuse.BaselineLayer),
		Min:               lo,
		Max:               hi,
		Heights:           append([]float64(nil), g.Cells()...),
	}
}

// ImportSnapshot rebuilds the terrain from a snapshot's parameters and restores
// its tick and recompute counters. The stored heights are not trusted; they
// are regenerated from the seed.
func (t *Terrain) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.SizeX != t.sizeX || snap.SizeY != t.sizeY {
		return fmt.Errorf("snapshot size %dx%d does not match terrain %dx%d: %w",
			snap.SizeX, snap.SizeY, t.sizeX, t.sizeY, noise.ErrInvalidArgument)
	}
	if snap.GradientCount != 0 && snap.GradientCount != t.gradientCount {
		return fmt.Errorf("snapshot gradient count %d does not match %d: %w",
			snap.GradientCount, t.gradientCount, noise.ErrInvalidArgument)
	}
	p := Preset{
		Seed:           snap.Seed,
		FlattenFactor:  snap.FlattenFactor,
		NoiseLayers:    layerParams(snap.NoiseLayers),
		BaselineLayers: layerParams(snap.BaselineLayers),
		Shader:         snap.Shader,
		Mode:           snap.Mode,
	}
	if err := t.ApplyPreset(p); err != nil {
		return err
	}
	t.tick = snap.Header.Tick
	t.recomputes = snap.Recomputes
	return nil
}
