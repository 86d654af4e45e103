package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"terragen.ai/internal/persistence/indexdb"
	"terragen.ai/internal/persistence/objstore"
	"terragen.ai/internal/preset"
	"terragen.ai/internal/sim/terrain"
	"terragen.ai/internal/transport/observer"
)

const maxPresetBody = 1 << 20

var presetNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type muxConfig struct {
	TerrainID       string
	Runtime         *terrain.Runtime
	Index           runtimeIndex
	Mirror          *objstore.Mirror
	PresetDir       string
	EnableAdminHTTP bool
	EnablePprofHTTP bool
	Logger          *log.Logger
}

func buildMux(cfg muxConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rt := cfg.Runtime

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeTerrainMetrics(rw, cfg.TerrainID, rt)
		if cfg.Index != nil {
			writeIndexMetrics(rw, cfg.Index.Stats())
		}
		if cfg.Mirror != nil {
			writeMirrorMetrics(rw, cfg.Mirror.Stats())
		}
	})

	if cfg.EnableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				TerrainID string          `json:"terrain_id"`
				Tick      uint64          `json:"tick"`
				Metrics   terrain.Metrics `json:"metrics"`
			}{
				TerrainID: cfg.TerrainID,
				Tick:      rt.CurrentTick(),
				Metrics:   rt.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			tick, err := rt.RequestSnapshot(ctx2)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
		})
		mux.HandleFunc("/admin/v1/preset", presetHandler(cfg, logger))

		obsSrv := observer.NewServer(rt, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (TG_ENABLE_ADMIN_HTTP=false)")
	}

	if cfg.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// presetHandler exports the live preset (GET) or replaces it with a full rebuild (POST).
// POST ?save=<name> also writes the applied preset under PresetDir.
func presetHandler(cfg muxConfig, logger *log.Logger) http.HandlerFunc {
	rt := cfg.Runtime
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var (
			p   terrain.Preset
			err error
		)
		switch r.Method {
		case http.MethodGet:
			p, err = rt.RequestPreset(ctx)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)
				return
			}
		case http.MethodPost:
			name := strings.TrimSpace(r.URL.Query().Get("save"))
			if name != "" && !presetNameRE.MatchString(name) {
				http.Error(rw, "bad preset name", http.StatusBadRequest)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxPresetBody+1))
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			if len(body) > maxPresetBody {
				http.Error(rw, "preset too large", http.StatusRequestEntityTooLarge)
				return
			}
			in, err := preset.Decode(body)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			p, err = rt.RequestApplyPreset(ctx, in)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			logger.Printf("preset applied seed=%d layers=%d/%d", p.Seed, len(p.NoiseLayers), len(p.BaselineLayers))
			if cfg.Index != nil {
				if err := cfg.Index.UpsertConfig("preset", p); err != nil {
					logger.Printf("index backend: upsert preset: %v", err)
				}
			}
			if name != "" {
				if err := preset.Save(filepath.Join(cfg.PresetDir, name+".json"), p); err != nil {
					http.Error(rw, err.Error(), http.StatusInternalServerError)
					return
				}
			}
		default:
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		b, err := preset.Encode(p)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write(b)
	}
}

// Minimal Prometheus exposition format.
func writeTerrainMetrics(w io.Writer, terrainID string, rt *terrain.Runtime) {
	m := rt.Metrics()
	tick := rt.CurrentTick()
	if m.Tick != 0 {
		tick = m.Tick
	}

	fmt.Fprintf(w, "# HELP terragen_terrain_tick Current terrain tick.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_tick gauge\n")
	fmt.Fprintf(w, "terragen_terrain_tick{terrain=%q} %d\n", terrainID, tick)

	fmt.Fprintf(w, "# HELP terragen_terrain_recomputes_total Recomputes performed since start or resume.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_recomputes_total counter\n")
	fmt.Fprintf(w, "terragen_terrain_recomputes_total{terrain=%q} %d\n", terrainID, m.Recomputes)

	fmt.Fprintf(w, "# HELP terragen_terrain_clients Current number of connected clients.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_clients gauge\n")
	fmt.Fprintf(w, "terragen_terrain_clients{terrain=%q} %d\n", terrainID, m.Clients)

	fmt.Fprintf(w, "# HELP terragen_terrain_observers Current number of connected observers.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_observers gauge\n")
	fmt.Fprintf(w, "terragen_terrain_observers{terrain=%q} %d\n", terrainID, m.Observers)

	fmt.Fprintf(w, "# HELP terragen_fuse_pending Whether edits are waiting for the fuse to fire.\n")
	fmt.Fprintf(w, "# TYPE terragen_fuse_pending gauge\n")
	fmt.Fprintf(w, "terragen_fuse_pending{terrain=%q} %d\n", terrainID, boolGauge(m.FusePending))

	fmt.Fprintf(w, "# HELP terragen_fuse_remaining_ticks Ticks left before the pending recompute.\n")
	fmt.Fprintf(w, "# TYPE terragen_fuse_remaining_ticks gauge\n")
	fmt.Fprintf(w, "terragen_fuse_remaining_ticks{terrain=%q} %d\n", terrainID, m.FuseRemaining)

	fmt.Fprintf(w, "# HELP terragen_terrain_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_queue_depth gauge\n")
	fmt.Fprintf(w, "terragen_terrain_queue_depth{terrain=%q,queue=%q} %d\n", terrainID, "edits", m.QueueDepths.Edits)
	fmt.Fprintf(w, "terragen_terrain_queue_depth{terrain=%q,queue=%q} %d\n", terrainID, "subscribe", m.QueueDepths.Subscribe)
	fmt.Fprintf(w, "terragen_terrain_queue_depth{terrain=%q,queue=%q} %d\n", terrainID, "leave", m.QueueDepths.Leave)

	fmt.Fprintf(w, "# HELP terragen_terrain_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_step_ms gauge\n")
	fmt.Fprintf(w, "terragen_terrain_step_ms{terrain=%q} %.3f\n", terrainID, m.StepMS)

	fmt.Fprintf(w, "# HELP terragen_terrain_recompute_ms Last recompute duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE terragen_terrain_recompute_ms gauge\n")
	fmt.Fprintf(w, "terragen_terrain_recompute_ms{terrain=%q} %.3f\n", terrainID, m.LastRecomputeMS)

	fmt.Fprintf(w, "# HELP terragen_stack_weight_sum Sum of layer weights per stack.\n")
	fmt.Fprintf(w, "# TYPE terragen_stack_weight_sum gauge\n")
	fmt.Fprintf(w, "terragen_stack_weight_sum{terrain=%q,stack=%q} %.6f\n", terrainID, "noise", m.WeightSumNoise)
	fmt.Fprintf(w, "terragen_stack_weight_sum{terrain=%q,stack=%q} %.6f\n", terrainID, "baseline", m.WeightSumBaseline)
}

func writeIndexMetrics(w io.Writer, s indexdb.Stats) {
	fmt.Fprintf(w, "# HELP terragen_index_queue_depth Current sqlite index queue depth.\n")
	fmt.Fprintf(w, "# TYPE terragen_index_queue_depth gauge\n")
	fmt.Fprintf(w, "terragen_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP terragen_index_queue_capacity Sqlite index queue capacity.\n")
	fmt.Fprintf(w, "# TYPE terragen_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "terragen_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP terragen_index_dropped_total Index rows dropped because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE terragen_index_dropped_total counter\n")
	fmt.Fprintf(w, "terragen_index_dropped_total{kind=%q} %d\n", "recompute", s.DropRecomputeTotal)
	fmt.Fprintf(w, "terragen_index_dropped_total{kind=%q} %d\n", "edit", s.DropEditTotal)
	fmt.Fprintf(w, "terragen_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)

	fmt.Fprintf(w, "# HELP terragen_index_write_errors_total Index rows that failed to insert.\n")
	fmt.Fprintf(w, "# TYPE terragen_index_write_errors_total counter\n")
	fmt.Fprintf(w, "terragen_index_write_errors_total %d\n", s.WriteErrorTotal)
}

func writeMirrorMetrics(w io.Writer, s objstore.Stats) {
	fmt.Fprintf(w, "# HELP terragen_mirror_queue_depth Object mirror upload queue depth.\n")
	fmt.Fprintf(w, "# TYPE terragen_mirror_queue_depth gauge\n")
	fmt.Fprintf(w, "terragen_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP terragen_mirror_files_total Files handled by the object mirror.\n")
	fmt.Fprintf(w, "# TYPE terragen_mirror_files_total counter\n")
	fmt.Fprintf(w, "terragen_mirror_files_total{result=%q} %d\n", "uploaded", s.UploadedTotal)
	fmt.Fprintf(w, "terragen_mirror_files_total{result=%q} %d\n", "failed", s.FailedTotal)
	fmt.Fprintf(w, "terragen_mirror_files_total{result=%q} %d\n", "dropped", s.DroppedTotal)

	fmt.Fprintf(w, "# HELP terragen_mirror_last_upload_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(w, "# TYPE terragen_mirror_last_upload_unix gauge\n")
	fmt.Fprintf(w, "terragen_mirror_last_upload_unix %d\n", s.LastUploadUnix)
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
