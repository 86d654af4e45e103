package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type queryOpts struct {
	Limit     int
	Stack     string
	Index     int
	SessionID string
	SinceTick uint64
}

var errUnknownQuery = errors.New("unknown query")

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	terrainID := fs.String("terrain", "", "terrain id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	stack := fs.String("stack", "", "stack filter (layers): noise|baseline")
	index := fs.Int("index", -1, "layer index filter (layers)")
	session := fs.String("session", "", "session_id filter (edits)")
	since := fs.Uint64("since_tick", 0, "only rows at or after tick")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*terrainID) == "" {
			fmt.Fprintln(os.Stderr, "missing -terrain or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "terrains", *terrainID, "index", "terrain.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	err = runQuery(db, os.Stdout, q, queryOpts{
		Limit:     *limit,
		Stack:     strings.ToLower(strings.TrimSpace(*stack)),
		Index:     *index,
		SessionID: strings.TrimSpace(*session),
		SinceTick: *since,
	})
	if errors.Is(err, errUnknownQuery) {
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-terrain ID|-db PATH] [-limit N] snapshots|recomputes|layers|edits|archives|configs")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

func runQuery(db *sql.DB, w io.Writer, q string, o queryOpts) error {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,seed,flatten_factor,size_x,size_y,noise_layers,baseline_layers,recomputes,min,max FROM snapshots WHERE tick>=? ORDER BY tick DESC LIMIT ?`, int64(o.SinceTick), o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick           int64   `json:"tick"`
				Path           string  `json:"path"`
				Seed           int64   `json:"seed"`
				FlattenFactor  float64 `json:"flatten_factor"`
				SizeX          int     `json:"size_x"`
				SizeY          int     `json:"size_y"`
				NoiseLayers    int     `json:"noise_layers"`
				BaselineLayers int     `json:"baseline_layers"`
				Recomputes     int64   `json:"recomputes"`
				Min            float64 `json:"min"`
				Max            float64 `json:"max"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.Seed, &r.FlattenFactor, &r.SizeX, &r.SizeY, &r.NoiseLayers, &r.BaselineLayers, &r.Recomputes, &r.Min, &r.Max); err != nil {
				return err
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "recomputes":
		rows, err := db.Query(`SELECT tick,recompute,seed,flatten_factor,seed_changed,flatten_changed,layers,weight_sum_noise,weight_sum_baseline,min,max,duration_ms,COALESCE(error,'') FROM recomputes WHERE tick>=? ORDER BY tick DESC LIMIT ?`, int64(o.SinceTick), o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick              int64   `json:"tick"`
				Recompute         int64   `json:"recompute"`
				Seed              int64   `json:"seed"`
				FlattenFactor     float64 `json:"flatten_factor"`
				SeedChanged       bool    `json:"seed_changed"`
				FlattenChanged    bool    `json:"flatten_changed"`
				Layers            int     `json:"layers"`
				WeightSumNoise    float64 `json:"weight_sum_noise"`
				WeightSumBaseline float64 `json:"weight_sum_baseline"`
				Min               float64 `json:"min"`
				Max               float64 `json:"max"`
				DurationMS        float64 `json:"duration_ms"`
				Error             string  `json:"error,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Recompute, &r.Seed, &r.FlattenFactor, &r.SeedChanged, &r.FlattenChanged, &r.Layers,
				&r.WeightSumNoise, &r.WeightSumBaseline, &r.Min, &r.Max, &r.DurationMS, &r.Error); err != nil {
				return err
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "layers":
		query := `SELECT tick,stack,layer_index,update_kind,chunk_size,weight FROM layer_changes WHERE tick>=?`
		args := []any{int64(o.SinceTick)}
		if o.Stack != "" {
			query += ` AND stack=?`
			args = append(args, o.Stack)
		}
		if o.Index >= 0 {
			query += ` AND layer_index=?`
			args = append(args, o.Index)
		}
		query += ` ORDER BY tick DESC, seq DESC LIMIT ?`
		args = append(args, o.Limit)
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick      int64   `json:"tick"`
				Stack     string  `json:"stack"`
				Index     int     `json:"index"`
				Update    string  `json:"update"`
				ChunkSize int     `json:"chunk_size"`
				Weight    float64 `json:"weight"`
			}
			if err := rows.Scan(&r.Tick, &r.Stack, &r.Index, &r.Update, &r.ChunkSize, &r.Weight); err != nil {
				return err
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "edits":
		query := `SELECT raw_json FROM edits WHERE tick>=?`
		args := []any{int64(o.SinceTick)}
		if o.SessionID != "" {
			query += ` AND session_id=?`
			args = append(args, o.SessionID)
		}
		query += ` ORDER BY tick DESC, seq DESC LIMIT ?`
		args = append(args, o.Limit)
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			fmt.Fprintln(w, raw)
		}
		return rows.Err()

	case "archives":
		rows, err := db.Query(`SELECT seed,end_tick,path,recorded_at FROM seed_archives WHERE end_tick>=? ORDER BY end_tick DESC LIMIT ?`, int64(o.SinceTick), o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seed       int64  `json:"seed"`
				EndTick    int64  `json:"end_tick"`
				Path       string `json:"path"`
				RecordedAt string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.Seed, &r.EndTick, &r.Path, &r.RecordedAt); err != nil {
				return err
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "configs":
		rows, err := db.Query(`SELECT name,digest,updated_at,json FROM configs ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string          `json:"name"`
				Digest    string          `json:"digest"`
				UpdatedAt string          `json:"updated_at"`
				Value     json.RawMessage `json:"value"`
			}
			var raw string
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt, &raw); err != nil {
				return err
			}
			r.Value = json.RawMessage(raw)
			_ = enc.Encode(r)
		}
		return rows.Err()
	}
	return errUnknownQuery
}
