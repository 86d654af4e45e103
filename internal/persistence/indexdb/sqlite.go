package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/sim/terrain"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRecompute atomic.Uint64
	dropEdit      atomic.Uint64
	dropSnapshot  atomic.Uint64
	writeErrors   atomic.Uint64
}

type reqKind int

const (
	reqRecompute reqKind = iota + 1
	reqEdit
	reqSnapshot
	reqSeedArchive
)

type req struct {
	kind reqKind

	recompute terrain.RecomputeEntry
	edit      terrain.EditAuditEntry
	snapshot  snapshotRow
	archive   seedArchiveRow
}

type seedArchiveRow struct {
	Seed       int64  `json:"seed"`
	EndTick    uint64 `json:"end_tick"`
	Path       string `json:"path"`
	RecordedAt string `json:"recorded_at"`
}

type snapshotRow struct {
	Tick           uint64  `json:"tick"`
	Path           string  `json:"path"`
	Seed           int64   `json:"seed"`
	FlattenFactor  float64 `json:"flatten_factor"`
	SizeX          int     `json:"size_x"`
	SizeY          int     `json:"size_y"`
	NoiseLayers    int     `json:"noise_layers"`
	BaselineLayers int     `json:"baseline_layers"`
	Recomputes     uint64  `json:"recomputes"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
}

func newSnapshotRow(path string, snap snapshot.SnapshotV1) snapshotRow {
	return snapshotRow{
		Tick:           snap.Header.Tick,
		Path:           path,
		Seed:           snap.Seed,
		FlattenFactor:  snap.FlattenFactor,
		SizeX:          snap.SizeX,
		SizeY:          snap.SizeY,
		NoiseLayers:    len(snap.NoiseLayers),
		BaselineLayers: len(snap.BaselineLayers),
		Recomputes:     snap.Recomputes,
		Min:            snap.Min,
		Max:            snap.Max,
	}
}

// Stats reports queue pressure of the background writer.
type Stats struct {
	QueueDepth         int    `json:"queue_depth"`
	QueueCapacity      int    `json:"queue_capacity"`
	DropRecomputeTotal uint64 `json:"drop_recompute_total"`
	DropEditTotal      uint64 `json:"drop_edit_total"`
	DropSnapshotTotal  uint64 `json:"drop_snapshot_total"`
	WriteErrorTotal    uint64 `json:"write_error_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Slider drags produce edit bursts; buffer them rather than stall the loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS recomputes (
			tick INTEGER PRIMARY KEY,
			recompute INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			flatten_factor REAL NOT NULL,
			seed_changed INTEGER NOT NULL,
			flatten_changed INTEGER NOT NULL,
			layers INTEGER NOT NULL,
			weight_sum_noise REAL NOT NULL,
			weight_sum_baseline REAL NOT NULL,
			min REAL NOT NULL,
			max REAL NOT NULL,
			duration_ms REAL NOT NULL,
			error TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS layer_changes (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			stack TEXT NOT NULL,
			layer_index INTEGER NOT NULL,
			update_kind TEXT NOT NULL,
			chunk_size INTEGER NOT NULL,
			weight REAL NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_layer_changes_stack ON layer_changes(stack, layer_index, tick);`,
		`CREATE TABLE IF NOT EXISTS edits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			ref TEXT NOT NULL,
			op TEXT NOT NULL,
			stack TEXT NOT NULL,
			code TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_session_tick ON edits(session_id, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			flatten_factor REAL NOT NULL,
			size_x INTEGER NOT NULL,
			size_y INTEGER NOT NULL,
			noise_layers INTEGER NOT NULL,
			baseline_layers INTEGER NOT NULL,
			recomputes INTEGER NOT NULL,
			min REAL NOT NULL,
			max REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS seed_archives (
			seed INTEGER NOT NULL,
			end_tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (seed, end_tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropRecomputeTotal: s.dropRecompute.Load(),
		DropEditTotal:      s.dropEdit.Load(),
		DropSnapshotTotal:  s.dropSnapshot.Load(),
		WriteErrorTotal:    s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) WriteRecompute(entry terrain.RecomputeEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqRecompute, recompute: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropRecompute.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteEdit(entry terrain.EditAuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEdit, edit: entry}:
	default:
		s.dropEdit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: newSnapshotRow(path, snap)}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// RecordSeedArchive notes where the last snapshot of a retired seed was
// archived.
func (s *SQLiteIndex) RecordSeedArchive(seed int64, endTick uint64, path string) {
	if s == nil || s.closed.Load() || path == "" {
		return
	}
	row := seedArchiveRow{Seed: seed, EndTick: endTick, Path: path, RecordedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	select {
	case s.ch <- req{kind: reqSeedArchive, archive: row}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// configRow is the canonical JSON of a config value (tuning, preset) and its
// sha256 digest.
type configRow struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

func newConfigRow(name string, v any) (configRow, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return configRow{}, err
	}
	sum := sha256.Sum256(b)
	return configRow{
		Name:      name,
		Digest:    hex.EncodeToString(sum[:]),
		JSON:      string(b),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// UpsertConfig stores a config value under name synchronously.
func (s *SQLiteIndex) UpsertConfig(name string, v any) error {
	if s == nil {
		return nil
	}
	row, err := newConfigRow(name, v)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','2')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`, row.Name, row.Digest, row.JSON, row.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const (
	commitEvery   = 2000
	commitMaxWait = 2 * time.Second
)

const (
	sqlInsertRecompute = `INSERT OR REPLACE INTO recomputes(tick,recompute,seed,flatten_factor,seed_changed,flatten_changed,layers,weight_sum_noise,weight_sum_baseline,min,max,duration_ms,error,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	sqlInsertLayer     = `INSERT OR REPLACE INTO layer_changes(tick,seq,stack,layer_index,update_kind,chunk_size,weight) VALUES(?,?,?,?,?,?,?)`
	sqlInsertEdit      = `INSERT OR REPLACE INTO edits(tick,seq,session_id,ref,op,stack,code,raw_json) VALUES(?,?,?,?,?,?,?,?)`
	sqlInsertSnapshot  = `INSERT OR REPLACE INTO snapshots(tick,path,seed,flatten_factor,size_x,size_y,noise_layers,baseline_layers,recomputes,min,max) VALUES(?,?,?,?,?,?,?,?,?,?,?)`
	sqlInsertArchive   = `INSERT OR REPLACE INTO seed_archives(seed,end_tick,path,recorded_at) VALUES(?,?,?,?)`
)

// batchWriter groups queued rows into transactions committed every
// commitEvery rows or commitMaxWait, whichever comes first. A failed row
// rolls back the open batch.
type batchWriter struct {
	db *sql.DB
	tx *sql.Tx

	pending  int
	openedAt time.Time

	editTick uint64
	editSeq  int
}

func (w *batchWriter) exec(query string, args ...any) error {
	if w.tx == nil {
		tx, err := w.db.Begin()
		if err != nil {
			return err
		}
		w.tx, w.pending, w.openedAt = tx, 0, time.Now()
	}
	if _, err := w.tx.Exec(query, args...); err != nil {
		w.end(false)
		return err
	}
	w.pending++
	return nil
}

func (w *batchWriter) end(commit bool) {
	if w.tx == nil {
		return
	}
	if commit {
		_ = w.tx.Commit()
	} else {
		_ = w.tx.Rollback()
	}
	w.tx = nil
	w.pending = 0
}

func (w *batchWriter) maybeCommit() {
	if w.tx != nil && (w.pending >= commitEvery || time.Since(w.openedAt) >= commitMaxWait) {
		w.end(true)
	}
}

func (w *batchWriter) recompute(e terrain.RecomputeEntry) error {
	raw, _ := json.Marshal(e)
	err := w.exec(sqlInsertRecompute,
		int64(e.Tick), int64(e.Recompute), e.Seed, e.FlattenFactor,
		boolInt(e.SeedChanged), boolInt(e.FlattenChanged), len(e.Layers),
		e.WeightSumNoise, e.WeightSumBaseline, e.Min, e.Max, e.DurationMS,
		e.Error, string(raw))
	if err != nil {
		return err
	}
	for i, c := range e.Layers {
		if err := w.exec(sqlInsertLayer, int64(e.Tick), i, c.Stack, c.Index, c.Update, c.Chunk, c.Weight); err != nil {
			return err
		}
	}
	return nil
}

// edit numbers audit rows within a tick so several edits per tick keep
// distinct keys.
func (w *batchWriter) edit(e terrain.EditAuditEntry) error {
	if e.Tick != w.editTick {
		w.editTick, w.editSeq = e.Tick, 0
	}
	seq := w.editSeq
	w.editSeq++
	raw, _ := json.Marshal(e)
	return w.exec(sqlInsertEdit, int64(e.Tick), seq, e.SessionID, e.Ref, e.Op, e.Stack, e.Code, string(raw))
}

func (w *batchWriter) snapshot(r snapshotRow) error {
	return w.exec(sqlInsertSnapshot,
		int64(r.Tick), r.Path, r.Seed, r.FlattenFactor, r.SizeX, r.SizeY,
		r.NoiseLayers, r.BaselineLayers, int64(r.Recomputes), r.Min, r.Max)
}

func (s *SQLiteIndex) loop() {
	w := &batchWriter{db: s.db}
	defer w.end(true)

	// The ticker closes idle batches so the single connection is released
	// for UpsertConfig.
	tick := time.NewTicker(commitMaxWait / 4)
	defer tick.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				return
			}
			if err := s.apply(w, r); err != nil {
				s.writeErrors.Add(1)
			}
		case <-tick.C:
		}
		w.maybeCommit()
	}
}

func (s *SQLiteIndex) apply(w *batchWriter, r req) error {
	switch r.kind {
	case reqRecompute:
		return w.recompute(r.recompute)
	case reqEdit:
		return w.edit(r.edit)
	case reqSnapshot:
		return w.snapshot(r.snapshot)
	case reqSeedArchive:
		a := r.archive
		return w.exec(sqlInsertArchive, a.Seed, int64(a.EndTick), a.Path, a.RecordedAt)
	}
	return fmt.Errorf("unknown index request kind %d", r.kind)
}
