package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"terragen.ai/internal/persistence/indexdb"
	"terragen.ai/internal/persistence/snapshot"
	"terragen.ai/internal/sim/terrain"
)

// runtimeIndex is the read-model sink shared by the sqlite and http ingest
// backends.
type runtimeIndex interface {
	terrain.RecomputeLogger
	terrain.EditLogger
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	RecordSeedArchive(seed int64, endTick uint64, path string)
	UpsertConfig(name string, v any) error
	Stats() indexdb.Stats
	Close() error
}

// openRuntimeIndex picks the backend from TG_INDEX_BACKEND (sqlite by
// default). A nil index with a nil error means indexing is off.
func openRuntimeIndex(terrainDir, terrainID string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TG_INDEX_BACKEND")))
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "", "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(terrainDir, "index", "terrain.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "http", "ingest":
		endpoint := strings.TrimSpace(os.Getenv("TG_INDEX_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("TG_INDEX_BACKEND=%s but TG_INDEX_INGEST_URL is empty", backend)
		}
		idx, err := indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("TG_INDEX_INGEST_TOKEN")),
			TerrainID:     terrainID,
			BatchSize:     envInt("TG_INDEX_INGEST_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("TG_INDEX_INGEST_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported TG_INDEX_BACKEND: %s", backend)
	}
}
