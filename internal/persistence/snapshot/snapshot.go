package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	TerrainID string `json:"terrain_id"`
	Tick      uint64 `json:"tick"`
}

type LayerV1 struct {
	ChunkSize int     `json:"chunk_size"`
	Weight    float64 `json:"weight"`
}

// SnapshotV1 captures the requested parameters plus the merged heightfield
// they produced. Resuming rebuilds from the parameters; Heights is for readers
// that want the field without recomputing it.
type SnapshotV1 struct {
	Header Header `json:"header"`

	SizeX         int `json:"size_x"`
	SizeY         int `json:"size_y"`
	GradientCount int `json:"gradient_count"`

	Seed           int64     `json:"seed"`
	FlattenFactor  float64   `json:"flatten_factor"`
	NoiseLayers    []LayerV1 `json:"noise_layers"`
	BaselineLayers []LayerV1 `json:"baseline_layers"`
	Shader         string    `json:"shader,omitempty"`
	Mode           string    `json:"mode,omitempty"`

	Recomputes        uint64  `json:"recomputes"`
	WeightSumNoise    float64 `json:"weight_sum_noise"`
	WeightSumBaseline float64 `json:"weight_sum_baseline"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`

	// Heights is row-major: Heights[y*SizeX+x].
	Heights []float64 `json:"heights"`
}

func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if len(snap.Heights) != 0 && len(snap.Heights) != snap.SizeX*snap.SizeY {
		return snap, fmt.Errorf("heights length %d does not match %dx%d", len(snap.Heights), snap.SizeX, snap.SizeY)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// FileName is the on-disk name of the snapshot taken at tick.
func FileName(tick uint64) string {
	return fmt.Sprintf("%d.snap.zst", tick)
}

// Latest returns the snapshot in dir with the highest tick.
func Latest(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	type cand struct {
		tick uint64
		name string
	}
	var cands []cand
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, cand{tick: tick, name: e.Name()})
	}
	if len(cands) == 0 {
		return "", ErrNoSnapshot
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].tick > cands[j].tick })
	return filepath.Join(dir, cands[0].name), nil
}

var ErrNoSnapshot = errors.New("no snapshot found")
