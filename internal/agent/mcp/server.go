package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"terragen.ai/internal/agent/bridge"
	"terragen.ai/internal/protocol"
)

const (
	toolGetStatus  = "terrain.get_status"
	toolGetResult  = "terrain.get_result"
	toolEdit       = "terrain.edit"
	toolDisconnect = "terrain.disconnect"
)

type Bridge interface {
	GetStatus(ctx context.Context, sessionKey string) (bridge.Status, error)
	GetResult(ctx context.Context, sessionKey string, opts bridge.GetResultOpts) (bridge.ResultResult, error)
	Edit(ctx context.Context, sessionKey string, args bridge.EditArgs) (bridge.EditResult, error)
	Disconnect(ctx context.Context, sessionKey string) error
}

type Config struct {
	Bridge     Bridge
	HMACSecret string
	// AllowLegacyHMAC accepts signatures without x-nonce.
	AllowLegacyHMAC bool
}

var errReplayed = errors.New("replayed request")

type Server struct {
	bridge Bridge
	auth   *hmacVerifier
	replay *replayGuard
	now    func() time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("nil bridge")
	}
	s := &Server{
		bridge: cfg.Bridge,
		now:    time.Now,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.auth = &hmacVerifier{secret: []byte(cfg.HMACSecret), allowLegacy: cfg.AllowLegacyHMAC}
		s.replay = newReplayGuard(0, 0)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

const maxBodyBytes = 4 << 20

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}

	sessionKey, status, err := s.authenticate(r, body)
	if err != nil {
		http.Error(rw, err.Error(), status)
		return
	}

	req, err := parseRPCRequest(body)
	if err != nil {
		writeRPC(rw, http.StatusBadRequest, rpcErr(nil, codeInvalidRequest, "bad jsonrpc request", err.Error()))
		return
	}
	if req.isNotification() {
		rw.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(rw, http.StatusOK, s.dispatch(r.Context(), sessionKey, req))
}

// authenticate resolves the bridge session key for a request. With a secret
// configured the signed agent id is the key and each signature is accepted
// once; without one only loopback callers are served and x-agent-id is
// trusted as is.
func (s *Server) authenticate(r *http.Request, body []byte) (string, int, error) {
	if s.auth == nil {
		if err := requireLoopback(r); err != nil {
			return "", http.StatusForbidden, err
		}
		if key := strings.TrimSpace(r.Header.Get(headerAgentID)); key != "" {
			return key, 0, nil
		}
		return bridge.DefaultSessionKey, 0, nil
	}
	v, aerr := s.auth.verify(r, body, s.now())
	if aerr != nil {
		return "", aerr.status, aerr
	}
	if !s.replay.allow(v.agentID, v.signature, s.now()) {
		return "", http.StatusConflict, errReplayed
	}
	return v.agentID, 0, nil
}

func writeRPC(rw http.ResponseWriter, status int, resp rpcResponse) {
	rw.Header().Set("content-type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, sessionKey string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{"name": "terragen-mcp"},
		})

	case "list_tools", "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": s.toolsList()})

	case "call_tool", "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		if p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "missing tool name", nil)
		}
		if !isKnownTool(p.Name) {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		out, err := s.callTool(ctx, sessionKey, p.Name, p.Arguments)
		if err != nil {
			return rpcErr(req.ID, codeToolFailed, err.Error(), nil)
		}
		return rpcOK(req.ID, out)

	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", map[string]any{"method": req.Method})
	}
}

func (s *Server) toolsList() []map[string]any {
	editItem := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ref":            map[string]any{"type": "string"},
			"op":             map[string]any{"type": "string", "enum": []string{protocol.OpSetSeed, protocol.OpSetFlatten, protocol.OpSetLayerWeight, protocol.OpSetLayerChunkSize, protocol.OpAddLayer, protocol.OpRemoveLayer}},
			"stack":          map[string]any{"type": "string", "enum": []string{protocol.StackNoise, protocol.StackBaseline}},
			"index":          map[string]any{"type": "integer", "minimum": 0},
			"seed":           map[string]any{"type": "integer"},
			"flatten_factor": map[string]any{"type": "number"},
			"weight":         map[string]any{"type": "number"},
			"chunk_size":     map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"op"},
	}
	return []map[string]any{
		{
			"name":        toolGetStatus,
			"description": "Get the session status for the backing terrain WS connection, including the current seed and flatten factor.",
			"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false},
		},
		{
			"name":        toolGetResult,
			"description": "Get the latest RESULT (optionally wait for the next recompute).",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"wait_new_result": map[string]any{"type": "boolean"},
					"timeout_ms":      map[string]any{"type": "integer"},
					"include_preview": map[string]any{"type": "boolean"},
				},
			},
		},
		{
			"name":        toolEdit,
			"description": "Send EDITs to the terrain server and wait for each ACK or ERROR. Refs are generated when missing.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"edits":      map[string]any{"type": "array", "items": editItem},
					"timeout_ms": map[string]any{"type": "integer"},
				},
				"required": []string{"edits"},
			},
		},
		{
			"name":        toolDisconnect,
			"description": "Disconnect the backing terrain WS session; the next call reconnects.",
			"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false},
		},
	}
}

func (s *Server) callTool(ctx context.Context, sessionKey string, name string, args json.RawMessage) (any, error) {
	switch name {
	case toolGetStatus:
		return s.bridge.GetStatus(ctx, sessionKey)

	case toolGetResult:
		var o bridge.GetResultOpts
		if err := decodeArgs(args, &o); err != nil {
			return nil, err
		}
		return s.bridge.GetResult(ctx, sessionKey, o)

	case toolEdit:
		var a bridge.EditArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if len(a.Edits) == 0 {
			return nil, errors.New("missing edits")
		}
		return s.bridge.Edit(ctx, sessionKey, a)

	case toolDisconnect:
		if err := s.bridge.Disconnect(ctx, sessionKey); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}
	return nil, fmt.Errorf("unknown tool: %s", name)
}

// decodeArgs treats absent arguments as an empty object.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("bad arguments: %w", err)
	}
	return nil
}

func isKnownTool(name string) bool {
	switch name {
	case toolGetStatus,
		toolGetResult,
		toolEdit,
		toolDisconnect:
		return true
	default:
		return false
	}
}
