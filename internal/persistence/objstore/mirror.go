package objstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type MirrorConfig struct {
	// BaseDir is the local root; object keys are paths relative to it.
	BaseDir       string
	Prefix        string
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue before dropping.
	EnqueueWait time.Duration
	MaxAttempts int
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	EnqueuedTotal  uint64
	DroppedTotal   uint64
	UploadedTotal  uint64
	FailedTotal    uint64
	LastUploadUnix int64
	LastErrorUnix  int64
}

// Mirror uploads closed log segments, snapshots and seed archives in the
// background. Enqueue never blocks the caller for longer than EnqueueWait.
type Mirror struct {
	up     Uploader
	cfg    MirrorConfig
	logger *log.Logger

	jobs   chan string
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	lastOK   atomic.Int64
	lastErr  atomic.Int64
}

func NewMirror(up Uploader, cfg MirrorConfig, logger *log.Logger) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{
		up:     up,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan string, cfg.QueueCapacity),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		n := m.dropped.Add(1)
		m.printf("mirror drop local=%s reason=queue_full dropped_total=%d", localPath, n)
	}
}

// Close drains queued uploads and stops the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		EnqueuedTotal:  m.enqueued.Load(),
		DroppedTotal:   m.dropped.Load(),
		UploadedTotal:  m.uploaded.Load(),
		FailedTotal:    m.failed.Load(),
		LastUploadUnix: m.lastOK.Load(),
		LastErrorUnix:  m.lastErr.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.lastErr.Store(time.Now().Unix())
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = m.up.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			break
		}
		if attempt < m.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		}
	}
	if lastErr != nil {
		m.failed.Add(1)
		m.lastErr.Store(time.Now().Unix())
		m.printf("mirror upload failed key=%s err=%v", key, lastErr)
		return
	}
	m.uploaded.Add(1)
	m.lastOK.Store(time.Now().Unix())
}

// ObjectKey maps a file under BaseDir to its bucket key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside %s", abs, base)
	}
	if m.cfg.Prefix != "" {
		return path.Join(m.cfg.Prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
