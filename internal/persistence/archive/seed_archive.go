package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"terragen.ai/internal/persistence/snapshot"
)

type SeedArchiveMeta struct {
	Seed           int64   `json:"seed"`
	EndTick        uint64  `json:"end_tick"`
	Recomputes     uint64  `json:"recomputes"`
	FlattenFactor  float64 `json:"flatten_factor"`
	NoiseLayers    int     `json:"noise_layers"`
	BaselineLayers int     `json:"baseline_layers"`
	Snapshot       string  `json:"snapshot"`
	CreatedAt      string  `json:"created_at"`
}

// Archiver keeps the last snapshot taken under each seed. When a snapshot
// with a new seed arrives, the previous one is copied to
// `terrainDir/archives/seed_<seed>/`. Not safe for concurrent use.
type Archiver struct {
	terrainDir string

	prevPath string
	prev     snapshot.SnapshotV1
	havePrev bool
}

func NewArchiver(terrainDir string) *Archiver {
	return &Archiver{terrainDir: terrainDir}
}

// Observe records a written snapshot. It returns (archivedPath, true) when
// the seed changed and the previous seed's last snapshot was archived.
func (a *Archiver) Observe(snapshotPath string, snap snapshot.SnapshotV1) (archivedPath string, archived bool, err error) {
	prevPath, prev, had := a.prevPath, a.prev, a.havePrev
	a.prevPath, a.prev, a.havePrev = snapshotPath, snap, true
	if !had || prev.Seed == snap.Seed {
		return "", false, nil
	}
	dst, err := ArchiveSeedSnapshot(a.terrainDir, prevPath, prev)
	if err != nil {
		return "", false, err
	}
	return dst, true, nil
}

// ArchiveSeedSnapshot copies snapshotPath into `terrainDir/archives/seed_<seed>/`,
// replacing any snapshot archived there before, and writes meta.json beside it.
func ArchiveSeedSnapshot(terrainDir, snapshotPath string, snap snapshot.SnapshotV1) (string, error) {
	archiveDir := filepath.Join(terrainDir, "archives", fmt.Sprintf("seed_%d", snap.Seed))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}
	old, _ := filepath.Glob(filepath.Join(archiveDir, "*.snap.zst"))

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}
	for _, p := range old {
		if p != dst {
			_ = os.Remove(p)
		}
	}

	meta := SeedArchiveMeta{
		Seed:           snap.Seed,
		EndTick:        snap.Header.Tick,
		Recomputes:     snap.Recomputes,
		FlattenFactor:  snap.FlattenFactor,
		NoiseLayers:    len(snap.NoiseLayers),
		BaselineLayers: len(snap.BaselineLayers),
		Snapshot:       filepath.Base(dst),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, nil
}

// ReadMeta loads the meta.json of one seed archive.
func ReadMeta(terrainDir string, seed int64) (SeedArchiveMeta, error) {
	return readMetaFile(filepath.Join(terrainDir, "archives", fmt.Sprintf("seed_%d", seed), "meta.json"))
}

// MetaFor loads the meta.json stored beside an archived snapshot path.
func MetaFor(archivedPath string) (SeedArchiveMeta, error) {
	return readMetaFile(filepath.Join(filepath.Dir(archivedPath), "meta.json"))
}

func readMetaFile(path string) (SeedArchiveMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SeedArchiveMeta{}, err
	}
	var m SeedArchiveMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return SeedArchiveMeta{}, fmt.Errorf("parse archive meta: %w", err)
	}
	return m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
