package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"terragen.ai/internal/persistence/archive"
	persistlog "terragen.ai/internal/persistence/log"
	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/preset"
	"terragen.ai/internal/sim/terrain"
	"terragen.ai/internal/sim/tuning"
	"terragen.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		terrainID  = flag.String("terrain", "terrain_1", "terrain id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		presetPath = flag.String("preset", "", "preset JSON to apply at startup (optional; overrides a resumed snapshot)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (recomputes, edits, snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	terrainDir := filepath.Join(*dataDir, "terrains", *terrainID)
	_ = os.MkdirAll(terrainDir, 0o755)
	snapDir := filepath.Join(terrainDir, "snapshots")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if p, err := snapshot.Latest(snapDir); err == nil {
			snapshotToLoad = p
		} else if !errors.Is(err, snapshot.ErrNoSnapshot) && !os.IsNotExist(err) {
			logger.Printf("scan snapshots: %v", err)
		}
	}

	// Load tuning (required for a fresh terrain; optional for snapshot resumes).
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !errors.Is(tuneErr, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	// Optional read-model index (does not affect the heightfield).
	idx, err := openRuntimeIndex(terrainDir, *terrainID, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	t, err := terrain.New(terrain.ConfigFromTuning(tune))
	if err != nil {
		logger.Fatalf("terrain: %v", err)
	}
	var resumed *snapshot.SnapshotV1
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		resumed = &snap
		if snap.Header.TerrainID != "" && snap.Header.TerrainID != *terrainID {
			logger.Fatalf("snapshot terrain id mismatch: flag=%s snap=%s", *terrainID, snap.Header.TerrainID)
		}
		if err := t.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d seed=%d", filepath.Base(snapshotToLoad), t.Tick(), t.Seed())
	}
	if p := strings.TrimSpace(*presetPath); p != "" {
		pr, err := preset.Load(p)
		if err != nil {
			logger.Fatalf("load preset: %v", err)
		}
		if err := t.ApplyPreset(pr); err != nil {
			logger.Fatalf("apply preset: %v", err)
		}
		logger.Printf("applied preset %s seed=%d layers=%d/%d", filepath.Base(p), pr.Seed, len(pr.NoiseLayers), len(pr.BaselineLayers))
	}

	if idx != nil {
		if err := idx.UpsertConfig("tuning", tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
		if err := idx.UpsertConfig("preset", t.Preset()); err != nil {
			logger.Printf("index backend: upsert preset: %v", err)
		}
	}

	rt := terrain.NewRuntime(terrain.RuntimeConfig{
		ID:                      *terrainID,
		TickRateHz:              tune.TickRateHz,
		SnapshotEveryRecomputes: tune.SnapshotEveryRecomputes,
	}, t, log.New(os.Stdout, "[terrain] ", log.LstdFlags|log.Lmicroseconds))

	ctx, cancel := signalContext()
	defer cancel()

	mirror, err := buildObjectMirror(*dataDir, logger)
	if err != nil {
		logger.Fatalf("object mirror: %v", err)
	}
	if mirror != nil {
		defer mirror.Close()
	}
	logOpts := persistlog.LoggerOptions{}
	if mirror != nil {
		logOpts.OnClose = mirror.Enqueue
	}
	recomputeLog := persistlog.NewRecomputeLoggerWithOptions(terrainDir, logOpts)
	editLog := persistlog.NewEditLoggerWithOptions(terrainDir, logOpts)
	defer recomputeLog.Close()
	defer editLog.Close()
	if idx != nil {
		rt.SetRecomputeLogger(multiRecomputeLogger{a: recomputeLog, b: idx})
		rt.SetEditLogger(multiEditLogger{a: editLog, b: idx})
	} else {
		rt.SetRecomputeLogger(recomputeLog)
		rt.SetEditLogger(editLog)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	rt.SetSnapshotSink(snapCh)
	arch := archive.NewArchiver(terrainDir)
	if resumed != nil {
		_, _, _ = arch.Observe(snapshotToLoad, *resumed)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(snapDir, snapshot.FileName(snap.Header.Tick))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
				mirror.Enqueue(path)
				if dst, ok, err := arch.Observe(path, snap); err != nil {
					logger.Printf("seed archive: %v", err)
				} else if ok {
					logger.Printf("archived last snapshot of previous seed: %s", dst)
					if idx != nil {
						if meta, err := archive.MetaFor(dst); err == nil {
							idx.RecordSeedArchive(meta.Seed, meta.EndTick, dst)
						}
					}
					mirror.Enqueue(dst)
					mirror.Enqueue(filepath.Join(filepath.Dir(dst), "meta.json"))
				}
			}
		}
	}()

	go func() {
		if err := rt.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("terrain stopped: %v", err)
		}
	}()

	mux := buildMux(muxConfig{
		TerrainID:       *terrainID,
		Runtime:         rt,
		Index:           idx,
		Mirror:          mirror,
		PresetDir:       filepath.Join(terrainDir, "presets"),
		EnableAdminHTTP: envBool("TG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		EnablePprofHTTP: envBool("TG_ENABLE_PPROF_HTTP", false),
		Logger:          logger,
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(rt, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	sx, sy := t.Size()
	logger.Printf("listening on %s terrain=%s size=%dx%d tick_rate=%dHz fuse=%d", *addr, *terrainID, sx, sy, tune.TickRateHz, tune.Fuse.CapacityTicks)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

type multiRecomputeLogger struct {
	a terrain.RecomputeLogger
	b terrain.RecomputeLogger
}

func (m multiRecomputeLogger) WriteRecompute(entry terrain.RecomputeEntry) error {
	var errs []error
	if m.a != nil {
		errs = append(errs, m.a.WriteRecompute(entry))
	}
	if m.b != nil {
		errs = append(errs, m.b.WriteRecompute(entry))
	}
	return errors.Join(errs...)
}

type multiEditLogger struct {
	a terrain.EditLogger
	b terrain.EditLogger
}

func (m multiEditLogger) WriteEdit(entry terrain.EditAuditEntry) error {
	var errs []error
	if m.a != nil {
		errs = append(errs, m.a.WriteEdit(entry))
	}
	if m.b != nil {
		errs = append(errs, m.b.WriteEdit(entry))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("edit log: %w", err)
	}
	return nil
}
