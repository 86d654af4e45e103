package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/sim/terrain"
)

const ingestTokenHeader = "x-tg-index-token"

// IngestConfig points an IngestIndex at a remote HTTP ingest endpoint that
// accepts {"events":[...]} batches.
type IngestConfig struct {
	Endpoint      string
	Token         string
	TerrainID     string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	MaxAttempts   int
	Logger        *log.Logger
}

// IngestIndex ships the same rows as SQLiteIndex to a remote collector.
// Events are queued and posted in batches by a single goroutine.
type IngestIndex struct {
	cfg    IngestConfig
	client *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	editMu   sync.Mutex
	editTick uint64
	editSeq  int

	dropRecompute atomic.Uint64
	dropEdit      atomic.Uint64
	dropSnapshot  atomic.Uint64
	failedEvents  atomic.Uint64
}

type ingestEvent struct {
	Kind      string `json:"kind"`
	TerrainID string `json:"terrain_id"`
	Payload   any    `json:"payload"`
}

type ingestEdit struct {
	Seq int `json:"seq"`
	terrain.EditAuditEntry
}

func OpenIngest(cfg IngestConfig) (*IngestIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.TerrainID = strings.TrimSpace(cfg.TerrainID)
	switch {
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("empty ingest endpoint")
	case cfg.TerrainID == "":
		return nil, fmt.Errorf("empty terrain id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	d := &IngestIndex{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:     make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

// Close flushes queued events and stops the sender.
func (d *IngestIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *IngestIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(d.ch),
		QueueCapacity:      cap(d.ch),
		DropRecomputeTotal: d.dropRecompute.Load(),
		DropEditTotal:      d.dropEdit.Load(),
		DropSnapshotTotal:  d.dropSnapshot.Load(),
		WriteErrorTotal:    d.failedEvents.Load(),
	}
}

func (d *IngestIndex) WriteRecompute(entry terrain.RecomputeEntry) error {
	d.enqueue("recompute", entry, &d.dropRecompute)
	return nil
}

func (d *IngestIndex) WriteEdit(entry terrain.EditAuditEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.editMu.Lock()
	if entry.Tick != d.editTick {
		d.editTick, d.editSeq = entry.Tick, 0
	}
	seq := d.editSeq
	d.editSeq++
	d.editMu.Unlock()
	d.enqueue("edit", ingestEdit{Seq: seq, EditAuditEntry: entry}, &d.dropEdit)
	return nil
}

func (d *IngestIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	d.enqueue("snapshot", newSnapshotRow(path, snap), &d.dropSnapshot)
}

func (d *IngestIndex) RecordSeedArchive(seed int64, endTick uint64, path string) {
	if path == "" {
		return
	}
	row := seedArchiveRow{Seed: seed, EndTick: endTick, Path: path, RecordedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	d.enqueue("seed_archive", row, &d.dropSnapshot)
}

// UpsertConfig queues the config row; delivery is asynchronous.
func (d *IngestIndex) UpsertConfig(name string, v any) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	row, err := newConfigRow(name, v)
	if err != nil {
		return err
	}
	d.enqueue("config", row, &d.dropSnapshot)
	return nil
}

func (d *IngestIndex) enqueue(kind string, payload any, drops *atomic.Uint64) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ingestEvent{Kind: kind, TerrainID: d.cfg.TerrainID, Payload: payload}:
	default:
		drops.Add(1)
	}
}

func (d *IngestIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.post(batch); err != nil {
			d.failedEvents.Add(uint64(len(batch)))
			d.printf("[index] ingest flush failed batch=%d: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *IngestIndex) post(events []ingestEvent) error {
	buf, err := json.Marshal(struct {
		Events []ingestEvent `json:"events"`
	}{Events: events})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(100<<(attempt-1)) * time.Millisecond)
		}
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set(ingestTokenHeader, d.cfg.Token)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The collector rejected the batch; resending will not help.
			break
		}
	}
	return lastErr
}

func (d *IngestIndex) printf(format string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
