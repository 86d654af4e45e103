package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"terragen.ai/internal/sim/terrain"
)

// DefaultRotateLayout rotates files hourly (UTC).
const DefaultRotateLayout = "2006-01-02-15"

type LoggerOptions struct {
	// RotateLayout is a time layout; a new file starts whenever its formatting changes.
	RotateLayout string
	// OnClose is called with the path of every file after it is closed.
	OnClose func(path string)
	// Now overrides the clock (tests).
	Now func() time.Time
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	opts    LoggerOptions

	mu      sync.Mutex
	curKey  string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return NewJSONLZstdWriterWithOptions(baseDir, prefix, LoggerOptions{})
}

func NewJSONLZstdWriterWithOptions(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	if opts.RotateLayout == "" {
		opts.RotateLayout = DefaultRotateLayout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		opts:    opts,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := w.opts.Now().UTC().Format(w.opts.RotateLayout)
	if key != w.curKey {
		if err := w.rotateLocked(key); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(key string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForKey(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curKey = key
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.opts.OnClose != nil {
			w.opts.OnClose(w.curPath)
		}
	}
	w.w = nil
	w.curKey = ""
	return err1
}

func (w *JSONLZstdWriter) pathForKey(key string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, key))
}

// ReadJSONL decodes every line of a compressed JSONL file into fn.
// Concatenated zstd frames (appends across restarts) are read in order.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return readJSONL(f, fn)
}

func readJSONL(r io.Reader, fn func(line []byte) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// RecomputeLogger writes one JSONL entry per recompute (compressed).
type RecomputeLogger struct{ w *JSONLZstdWriter }

func NewRecomputeLogger(terrainDir string) *RecomputeLogger {
	return NewRecomputeLoggerWithOptions(terrainDir, LoggerOptions{})
}

func NewRecomputeLoggerWithOptions(terrainDir string, opts LoggerOptions) *RecomputeLogger {
	return &RecomputeLogger{w: NewJSONLZstdWriterWithOptions(filepath.Join(terrainDir, "events"), "recomputes", opts)}
}

func (l *RecomputeLogger) WriteRecompute(v terrain.RecomputeEntry) error { return l.w.Write(v) }
func (l *RecomputeLogger) Close() error                                  { return l.w.Close() }

// EditLogger writes an audit entry for every edit request (compressed).
type EditLogger struct{ w *JSONLZstdWriter }

func NewEditLogger(terrainDir string) *EditLogger {
	return NewEditLoggerWithOptions(terrainDir, LoggerOptions{})
}

func NewEditLoggerWithOptions(terrainDir string, opts LoggerOptions) *EditLogger {
	return &EditLogger{w: NewJSONLZstdWriterWithOptions(filepath.Join(terrainDir, "audit"), "edits", opts)}
}

func (l *EditLogger) WriteEdit(v terrain.EditAuditEntry) error { return l.w.Write(v) }
func (l *EditLogger) Close() error                             { return l.w.Close() }
