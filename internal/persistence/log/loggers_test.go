package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"terragen.ai/internal/sim/terrain"
)

func TestRecomputeLogger_WritesReadableJSONL(t *testing.T) {
	dir := t.TempDir()
	var closed []string
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l := NewRecomputeLoggerWithOptions(dir, LoggerOptions{
		Now:     func() time.Time { return now },
		OnClose: func(p string) { closed = append(closed, p) },
	})
	for i := uint64(1); i <= 3; i++ {
		e := terrain.RecomputeEntry{TerrainID: "t1", Tick: i * 30, Recompute: i, Seed: 42}
		if err := l.WriteRecompute(e); err != nil {
			t.Fatalf("WriteRecompute: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "events", "recomputes-2026-03-01-10.jsonl.zst")
	if len(closed) != 1 || closed[0] != path {
		t.Fatalf("OnClose paths=%v want [%s]", closed, path)
	}
	var got []terrain.RecomputeEntry
	err := ReadJSONL(path, func(line []byte) error {
		var e terrain.RecomputeEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(got) != 3 || got[2].Tick != 90 || got[2].Recompute != 3 {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestJSONLZstdWriter_RotatesOnLayoutChange(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w := NewJSONLZstdWriterWithOptions(dir, "edits", LoggerOptions{Now: func() time.Time { return now }})
	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, name := range []string{"edits-2026-03-01-10.jsonl.zst", "edits-2026-03-01-11.jsonl.zst"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
}

func TestEditLogger_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		l := NewEditLoggerWithOptions(dir, LoggerOptions{Now: now})
		if err := l.WriteEdit(terrain.EditAuditEntry{Op: "SET_SEED", Seed: int64(i)}); err != nil {
			t.Fatalf("WriteEdit: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	n := 0
	err := ReadJSONL(filepath.Join(dir, "audit", "edits-2026-03-01-00.jsonl.zst"), func([]byte) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if n != 2 {
		t.Fatalf("read %d lines want 2", n)
	}
}
