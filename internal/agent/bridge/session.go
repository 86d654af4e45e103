package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"terragen.ai/internal/protocol"
)

const (
	maxEditsPerCall = 64
	codeTimeout     = "E_TIMEOUT"
)

type SessionConfig struct {
	Key             string
	TerrainWSURL    string
	PreviewStride   int
	LastConnectedAt time.Time
}

type sessionUpdate struct {
	SessionID       string
	LastConnectedAt time.Time
	LastResultTick  uint64
}

type onUpdateFn func(key string, upd sessionUpdate)

// editReply is the server's answer to one EDIT ref: exactly one of ack or fail is set.
type editReply struct {
	ack  *protocol.AckMsg
	fail *protocol.ErrorMsg
}

func (r editReply) fill(o EditOutcome) EditOutcome {
	if r.ack != nil {
		o.OK = true
		o.Tick = r.ack.Tick
		o.Pending = r.ack.Pending
		o.RemainingTicks = r.ack.RemainingTicks
		return o
	}
	o.Code = r.fail.Code
	o.Message = r.fail.Message
	o.Suggestion = r.fail.Suggestion
	return o
}

// resultHeader is the part of RESULT the session indexes on.
type resultHeader struct {
	Tick          uint64  `json:"tick"`
	Recomputes    uint64  `json:"recomputes"`
	Seed          int64   `json:"seed"`
	FlattenFactor float64 `json:"flatten_factor"`
}

// Session is one agent's ws connection to the terrain server. It reconnects
// with backoff until paused or closed.
type Session struct {
	cfg      SessionConfig
	onUpdate onUpdateFn

	mu sync.RWMutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	connected       bool
	paused          bool
	lastConnectedAt time.Time
	lastErr         string

	conn    *websocket.Conn
	writeMu sync.Mutex

	sessionID string
	welcome   protocol.WelcomeMsg
	welcomed  bool

	lastResult    resultHeader
	lastResultRaw json.RawMessage
	resultSeq     uint64

	pending map[string]chan editReply

	resultNotify chan struct{}
	resumeNotify chan struct{}

	lastUsedAt time.Time
}

func NewSession(cfg SessionConfig, onUpdate onUpdateFn) *Session {
	if cfg.Key == "" {
		cfg.Key = "default"
	}
	s := &Session{
		cfg:             cfg,
		onUpdate:        onUpdate,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		lastConnectedAt: cfg.LastConnectedAt,
		pending:         map[string]chan editReply{},
		resultNotify:    make(chan struct{}, 1),
		resumeNotify:    make(chan struct{}, 1),
		lastUsedAt:      time.Now(),
	}
	return s
}

func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		// Ensure any blocking ReadMessage wakes up promptly.
		s.Disconnect()
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
	})
}

// Disconnect drops the current connection; the run loop reconnects.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// DisconnectAndPause drops the connection and holds off reconnecting until
// ResumeReconnect.
func (s *Session) DisconnectAndPause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.Disconnect()
}

func (s *Session) ResumeReconnect() {
	s.mu.Lock()
	was := s.paused
	s.paused = false
	s.mu.Unlock()
	if !was {
		return
	}
	select {
	case s.resumeNotify <- struct{}{}:
	default:
	}
}

func (s *Session) isPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Session) LastUsedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsedAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Connected:      s.connected,
		SessionID:      s.sessionID,
		TerrainWSURL:   s.cfg.TerrainWSURL,
		LastResultTick: s.lastResult.Tick,
		Recomputes:     s.lastResult.Recomputes,
		Seed:           s.lastResult.Seed,
		FlattenFactor:  s.lastResult.FlattenFactor,
		PendingEdits:   len(s.pending),
		Paused:         s.paused,
		LastError:      s.lastErr,
	}
	if s.welcomed {
		tp := s.welcome.Terrain
		st.Terrain = &tp
		if s.lastResultRaw == nil {
			st.Seed = s.welcome.Preset.Seed
			st.FlattenFactor = s.welcome.Preset.FlattenFactor
		}
	}
	if !s.lastConnectedAt.IsZero() {
		st.LastConnectedAt = s.lastConnectedAt.UTC().Format(time.RFC3339Nano)
	}
	return st
}

func (s *Session) GetResult(ctx context.Context, opts GetResultOpts) (ResultResult, error) {
	s.touch()
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var (
		hdr resultHeader
		raw json.RawMessage
		sid string
	)
	if opts.WaitNewResult {
		var err error
		hdr, raw, sid, err = s.waitResultAfter(ctx, s.latestResultSeq(), timeout)
		if err != nil {
			return ResultResult{}, err
		}
	} else {
		_, hdr, raw, sid = s.latestResult()
	}

	if len(raw) == 0 {
		return ResultResult{SessionID: sid}, nil
	}
	if !opts.IncludePreview {
		var m protocol.ResultMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return ResultResult{}, fmt.Errorf("parse result: %w", err)
		}
		m.Preview = nil
		raw, _ = json.Marshal(m)
	}
	return ResultResult{Tick: hdr.Tick, Recomputes: hdr.Recomputes, SessionID: sid, Result: raw}, nil
}

// Edit sends each edit and waits for its ACK or ERROR. Edits still
// unanswered at the deadline are reported with code E_TIMEOUT.
func (s *Session) Edit(ctx context.Context, args EditArgs) (EditResult, error) {
	s.touch()
	if len(args.Edits) == 0 {
		return EditResult{}, fmt.Errorf("no edits")
	}
	if len(args.Edits) > maxEditsPerCall {
		return EditResult{}, fmt.Errorf("too many edits: %d > %d", len(args.Edits), maxEditsPerCall)
	}
	timeout := time.Duration(args.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	sid, err := s.waitWelcome(ctx, 2*time.Second)
	if err != nil {
		return EditResult{}, err
	}

	base := time.Now().UnixMilli()
	edits := make([]protocol.EditMsg, len(args.Edits))
	refs := make([]string, len(args.Edits))
	seen := map[string]bool{}
	for i, e := range args.Edits {
		e.Type = protocol.TypeEdit
		e.ProtocolVersion = protocol.Version
		e.Op = strings.ToUpper(strings.TrimSpace(e.Op))
		e.Ref = strings.TrimSpace(e.Ref)
		if e.Ref == "" {
			e.Ref = fmt.Sprintf("E_%d_%d", base, i+1)
		}
		if seen[e.Ref] {
			return EditResult{}, fmt.Errorf("duplicate ref %q", e.Ref)
		}
		seen[e.Ref] = true
		edits[i] = e
		refs[i] = e.Ref
	}

	waits := s.expect(refs)
	defer s.forget(refs)
	for _, e := range edits {
		if err := s.writeJSON(e); err != nil {
			return EditResult{}, err
		}
	}

	out := EditResult{SessionID: sid, Outcomes: make([]EditOutcome, len(edits))}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	expired := false
	for i, ch := range waits {
		o := EditOutcome{Ref: edits[i].Ref, Op: edits[i].Op}
		if !expired {
			select {
			case rep := <-ch:
				out.Outcomes[i] = rep.fill(o)
				continue
			case <-deadline.C:
				expired = true
			case <-ctx.Done():
				return EditResult{}, ctx.Err()
			}
		}
		select {
		case rep := <-ch:
			out.Outcomes[i] = rep.fill(o)
		default:
			o.Code = codeTimeout
			o.Message = "no reply before timeout"
			out.Outcomes[i] = o
		}
	}
	return out, nil
}

func (s *Session) expect(refs []string) []chan editReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chan editReply, len(refs))
	for i, ref := range refs {
		ch := make(chan editReply, 1)
		s.pending[ref] = ch
		out[i] = ch
	}
	return out
}

func (s *Session) forget(refs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		delete(s.pending, ref)
	}
}

func (s *Session) deliver(ref string, rep editReply) {
	if ref == "" {
		return
	}
	s.mu.Lock()
	ch := s.pending[ref]
	delete(s.pending, ref)
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- rep:
	default:
	}
}

func (s *Session) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) latestResult() (seq uint64, hdr resultHeader, raw json.RawMessage, sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resultSeq, s.lastResult, append(json.RawMessage(nil), s.lastResultRaw...), s.sessionID
}

func (s *Session) latestResultSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resultSeq
}

func (s *Session) waitWelcome(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.RLock()
		ok, sid := s.connected && s.conn != nil, s.sessionID
		s.mu.RUnlock()
		if ok {
			return sid, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("not connected")
		case <-tick.C:
		}
	}
}

func (s *Session) waitResultAfter(ctx context.Context, start uint64, timeout time.Duration) (resultHeader, json.RawMessage, string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		seq, hdr, raw, sid := s.latestResult()
		if seq > start {
			return hdr, raw, sid, nil
		}
		select {
		case <-ctx.Done():
			return resultHeader{}, nil, "", ctx.Err()
		case <-deadline.C:
			// One last check after timeout.
			seq, hdr, raw, sid = s.latestResult()
			if seq > start {
				return hdr, raw, sid, nil
			}
			return resultHeader{}, nil, "", fmt.Errorf("timeout waiting for result")
		case <-s.resultNotify:
		}
	}
}

func (s *Session) run() {
	defer close(s.done)

	const (
		minBackoff = 200 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff
	for {
		select {
		case <-s.stop:
			s.Disconnect()
			return
		default:
		}

		if s.isPaused() {
			select {
			case <-s.stop:
				return
			case <-s.resumeNotify:
			}
			backoff = minBackoff
			continue
		}

		if err := s.connectAndReadLoop(); err != nil {
			s.mu.Lock()
			s.connected = false
			s.lastErr = err.Error()
			s.mu.Unlock()
			if s.isPaused() {
				continue
			}
			select {
			case <-s.stop:
				s.Disconnect()
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		// Clean exit.
		return
	}
}

func (s *Session) connectAndReadLoop() error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(s.cfg.TerrainWSURL, http.Header{})
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      s.cfg.Key,
		PreviewStride:   s.cfg.PreviewStride,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.lastErr = ""
	s.mu.Unlock()

	for {
		select {
		case <-s.stop:
			_ = conn.Close()
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		base, err := protocol.Peek(msg)
		if err != nil || !base.Current() {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			now := time.Now()
			s.mu.Lock()
			s.welcome = w
			s.welcomed = true
			s.sessionID = w.SessionID
			s.connected = true
			s.lastConnectedAt = now
			prevTick := s.lastResult.Tick
			s.mu.Unlock()
			if s.onUpdate != nil {
				s.onUpdate(s.cfg.Key, sessionUpdate{
					SessionID:       w.SessionID,
					LastConnectedAt: now,
					LastResultTick:  prevTick,
				})
			}

		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			s.deliver(a.Ref, editReply{ack: &a})

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			s.deliver(e.Ref, editReply{fail: &e})

		case protocol.TypeResult:
			var h resultHeader
			if err := json.Unmarshal(msg, &h); err != nil {
				continue
			}
			s.mu.Lock()
			s.lastResult = h
			s.lastResultRaw = append(json.RawMessage(nil), msg...)
			s.resultSeq++
			s.mu.Unlock()
			select {
			case s.resultNotify <- struct{}{}:
			default:
			}
		}
	}
}
