package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"terragen.ai/internal/persistence/objstore"
)

// buildObjectMirror returns nil when TG_OBJECT_MIRROR is off.
func buildObjectMirror(dataDir string, logger *log.Logger) (*objstore.Mirror, error) {
	if !envBool("TG_OBJECT_MIRROR", false) {
		return nil, nil
	}
	cfg := objstore.Config{
		Endpoint:        strings.TrimSpace(os.Getenv("TG_OBJECT_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("TG_OBJECT_BUCKET")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("TG_OBJECT_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("TG_OBJECT_SECRET_ACCESS_KEY")),
		Region:          strings.TrimSpace(os.Getenv("TG_OBJECT_REGION")),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("TG_OBJECT_MIRROR=true but TG_OBJECT_ENDPOINT/TG_OBJECT_BUCKET/TG_OBJECT_ACCESS_KEY_ID/TG_OBJECT_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := objstore.New(cfg)
	if err != nil {
		return nil, err
	}
	return objstore.NewMirror(client, objstore.MirrorConfig{
		BaseDir: dataDir,
		Prefix:  strings.TrimSpace(os.Getenv("TG_OBJECT_PREFIX")),
		Workers: envInt("TG_OBJECT_UPLOAD_WORKERS", 2),
	}, logger), nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
