package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"terragen.ai/internal/protocol"
)

func TestDeliverRoutesByRef(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", TerrainWSURL: "ws://example.invalid"}, nil)
	waits := s.expect([]string{"E1", "E2"})

	s.deliver("E2", editReply{fail: &protocol.ErrorMsg{Ref: "E2", Code: protocol.ErrUnknownOp, Message: "unknown op", Suggestion: protocol.OpSetSeed}})
	s.deliver("E1", editReply{ack: &protocol.AckMsg{Ref: "E1", Op: protocol.OpSetFlatten, Tick: 9, Pending: true, RemainingTicks: 3}})
	s.deliver("E3", editReply{ack: &protocol.AckMsg{Ref: "E3"}})
	s.deliver("", editReply{ack: &protocol.AckMsg{}})

	ok := (<-waits[0]).fill(EditOutcome{Ref: "E1", Op: protocol.OpSetFlatten})
	if !ok.OK || ok.Tick != 9 || !ok.Pending || ok.RemainingTicks != 3 {
		t.Fatalf("ack outcome: %+v", ok)
	}
	bad := (<-waits[1]).fill(EditOutcome{Ref: "E2", Op: "SET_SED"})
	if bad.OK || bad.Code != protocol.ErrUnknownOp || bad.Suggestion != protocol.OpSetSeed {
		t.Fatalf("error outcome: %+v", bad)
	}
	if st := s.Status(); st.PendingEdits != 0 {
		t.Fatalf("expected delivered refs removed, pending=%d", st.PendingEdits)
	}
}

func TestForgetDropsUnansweredRefs(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", TerrainWSURL: "ws://example.invalid"}, nil)
	s.expect([]string{"E1", "E2"})
	if st := s.Status(); st.PendingEdits != 2 {
		t.Fatalf("pending=%d want 2", st.PendingEdits)
	}
	s.forget([]string{"E1", "E2"})
	if st := s.Status(); st.PendingEdits != 0 {
		t.Fatalf("pending=%d want 0", st.PendingEdits)
	}
}

func TestEditRejectsEmptyAndOversized(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", TerrainWSURL: "ws://example.invalid"}, nil)
	if _, err := s.Edit(context.Background(), EditArgs{}); err == nil {
		t.Fatalf("expected error for empty edit list")
	}
	many := make([]protocol.EditMsg, maxEditsPerCall+1)
	if _, err := s.Edit(context.Background(), EditArgs{Edits: many}); err == nil {
		t.Fatalf("expected error for oversized edit list")
	}
}

func TestGetResultStripsPreview(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", TerrainWSURL: "ws://example.invalid"}, nil)

	res, err := s.GetResult(context.Background(), GetResultOpts{})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.Result != nil {
		t.Fatalf("expected no result before any RESULT arrives")
	}

	raw, _ := json.Marshal(protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Tick:            12,
		Recomputes:      2,
		Seed:            4,
		FlattenFactor:   1.5,
		Preview:         &protocol.Preview{Stride: 4, W: 1, H: 1, Heights: []float64{0.5}},
	})
	s.mu.Lock()
	s.lastResult = resultHeader{Tick: 12, Recomputes: 2, Seed: 4, FlattenFactor: 1.5}
	s.lastResultRaw = raw
	s.resultSeq = 1
	s.mu.Unlock()

	res, err = s.GetResult(context.Background(), GetResultOpts{})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var got protocol.ResultMsg
	if err := json.Unmarshal(res.Result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Tick != 12 || res.Recomputes != 2 || got.Preview != nil || got.Seed != 4 {
		t.Fatalf("unexpected result: %+v %+v", res, got)
	}

	res, err = s.GetResult(context.Background(), GetResultOpts{IncludePreview: true})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	got = protocol.ResultMsg{}
	_ = json.Unmarshal(res.Result, &got)
	if got.Preview == nil || got.Preview.Stride != 4 {
		t.Fatalf("expected preview kept, got %+v", got.Preview)
	}

	if _, err := s.GetResult(context.Background(), GetResultOpts{WaitNewResult: true, TimeoutMS: 30}); err == nil {
		t.Fatalf("expected timeout waiting for a new result")
	}
}

func TestStatusFallsBackToWelcomePreset(t *testing.T) {
	s := NewSession(SessionConfig{Key: "t", TerrainWSURL: "ws://example.invalid"}, nil)
	s.mu.Lock()
	s.welcome = protocol.WelcomeMsg{
		SessionID: "S1",
		Terrain:   protocol.TerrainParams{TerrainID: "t1", SizeX: 32, SizeY: 16},
		Preset:    protocol.PresetParams{Seed: 77, FlattenFactor: 2},
	}
	s.welcomed = true
	s.sessionID = "S1"
	s.mu.Unlock()

	st := s.Status()
	if st.Terrain == nil || st.Terrain.TerrainID != "t1" || st.Seed != 77 || st.FlattenFactor != 2 || st.SessionID != "S1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestManagerPersistsSessionState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m, err := NewManager(Config{TerrainWSURL: "ws://example.invalid", StateFile: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.onSessionUpdate("agent_1", sessionUpdate{SessionID: "S7", LastConnectedAt: at})
	m.onSessionUpdate("agent_1", sessionUpdate{LastResultTick: 40})
	_ = m.Close()

	reopened, err := openStateStore(path)
	if err != nil {
		t.Fatalf("openStateStore: %v", err)
	}
	rec := reopened.get("agent_1")
	if rec.SessionID != "S7" || rec.LastResultTick != 40 || !rec.LastConnectedAt.Equal(at) {
		t.Fatalf("unexpected persisted state: %+v", rec)
	}

	if _, err := NewManager(Config{}); err == nil {
		t.Fatalf("expected error for empty ws url")
	}
	if _, err := m.GetStatus(context.Background(), "agent_1"); err != ErrManagerClosed {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestManagerEvictsLeastRecentlyUsed(t *testing.T) {
	m, err := NewManager(Config{TerrainWSURL: "ws://127.0.0.1:1/v1/ws", MaxSessions: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	for _, key := range []string{"a", "b"} {
		if _, err := m.session(key); err != nil {
			t.Fatalf("session %s: %v", key, err)
		}
	}
	m.mu.Lock()
	old := m.sessions["a"]
	m.mu.Unlock()
	old.mu.Lock()
	old.lastUsedAt = time.Now().Add(-time.Hour)
	old.mu.Unlock()

	if _, err := m.session("c"); err != nil {
		t.Fatalf("session c: %v", err)
	}
	m.mu.Lock()
	_, hasA := m.sessions["a"]
	n := len(m.sessions)
	m.mu.Unlock()
	if hasA || n != 2 {
		t.Fatalf("expected a evicted, have %d sessions (a=%v)", n, hasA)
	}
}

func TestPauseTransitions(t *testing.T) {
	cases := []struct {
		name       string
		act        func(s *Session)
		wantPaused bool
		wantSignal bool
	}{
		{"disconnect keeps reconnecting", func(s *Session) { s.Disconnect() }, false, false},
		{"disconnect and pause", func(s *Session) { s.DisconnectAndPause() }, true, false},
		{"resume after pause", func(s *Session) { s.DisconnectAndPause(); s.ResumeReconnect() }, false, true},
		{"resume while running", func(s *Session) { s.ResumeReconnect() }, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession(SessionConfig{Key: "t", TerrainWSURL: "ws://example.invalid"}, nil)
			tc.act(s)

			s.mu.RLock()
			paused, connected := s.paused, s.connected
			s.mu.RUnlock()
			if paused != tc.wantPaused || connected {
				t.Fatalf("paused=%v connected=%v, want paused=%v", paused, connected, tc.wantPaused)
			}
			if st := s.Status(); st.Paused != tc.wantPaused {
				t.Fatalf("status paused=%v", st.Paused)
			}

			signaled := false
			select {
			case <-s.resumeNotify:
				signaled = true
			default:
			}
			if signaled != tc.wantSignal {
				t.Fatalf("resume signaled=%v want %v", signaled, tc.wantSignal)
			}
		})
	}
}
