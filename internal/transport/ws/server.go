package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"terragen.ai/internal/protocol"
	"terragen.ai/internal/sim/fuse"
	"terragen.ai/internal/sim/terrain"
)

const outQueue = 16

type Server struct {
	rt  *terrain.Runtime
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(rt *terrain.Runtime, logger *log.Logger) *Server {
	s := &Server{
		rt:  rt,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		done := make(chan struct{})
		defer close(done)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-done:
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if req, errMsg := decodeEdit(msg); errMsg != nil {
				queue(out, *errMsg)
			} else if req != nil {
				req.SessionID = sessionID
				select {
				case s.rt.Edits() <- *req:
				default:
					queue(out, errorMsg(req.Ref, protocol.ErrBusy, "edit queue full", ""))
				}
			}
		}

		// Cleanup.
		s.rt.Leave() <- sessionID
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.Peek(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	out = make(chan []byte, outQueue)
	respCh := make(chan protocol.WelcomeMsg, 1)
	s.rt.Subscribe() <- terrain.SubscribeRequest{
		Name:          hello.ClientName,
		PreviewStride: hello.PreviewStride,
		Out:           out,
		Resp:          respCh,
	}
	welcome := <-respCh

	if err := writeJSON(conn, welcome); err != nil {
		return "", nil
	}
	s.log.Printf("session %s joined (%s)", welcome.SessionID, hello.ClientName)
	return welcome.SessionID, out
}

// decodeEdit turns one client frame into an edit request, or an ERROR to send back.
// Frames of other types are ignored.
func decodeEdit(msg []byte) (*terrain.EditRequest, *protocol.ErrorMsg) {
	base, err := protocol.Peek(msg)
	if err != nil {
		e := errorMsg("", protocol.ErrProtoBadRequest, "malformed json", "")
		return nil, &e
	}
	if base.Type != protocol.TypeEdit {
		return nil, nil
	}
	var em protocol.EditMsg
	if err := json.Unmarshal(msg, &em); err != nil {
		e := errorMsg("", protocol.ErrBadRequest, err.Error(), "")
		return nil, &e
	}
	if em.ProtocolVersion != protocol.Version {
		e := errorMsg(em.Ref, protocol.ErrProtoBadRequest, fmt.Sprintf("protocol_version %q not supported", em.ProtocolVersion), "")
		return nil, &e
	}
	op := strings.ToUpper(strings.TrimSpace(em.Op))
	if !protocol.IsKnownOp(op) {
		suggestion, _ := protocol.SuggestOp(op)
		msg := fmt.Sprintf("unknown op %q", em.Op)
		if suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", suggestion)
		}
		e := errorMsg(em.Ref, protocol.ErrUnknownOp, msg, suggestion)
		return nil, &e
	}

	edit := terrain.Edit{
		Op:            op,
		Index:         em.Index,
		Seed:          em.Seed,
		FlattenFactor: em.FlattenFactor,
		Weight:        em.Weight,
		ChunkSize:     em.ChunkSize,
	}
	switch op {
	case protocol.OpSetLayerWeight, protocol.OpSetLayerChunkSize, protocol.OpAddLayer, protocol.OpRemoveLayer:
		kind, ok := fuse.ParseLayerKind(em.Stack)
		if !ok {
			e := errorMsg(em.Ref, protocol.ErrBadRequest, fmt.Sprintf("stack %q must be %s or %s", em.Stack, protocol.StackNoise, protocol.StackBaseline), "")
			return nil, &e
		}
		edit.Stack = kind
	}
	return &terrain.EditRequest{Ref: em.Ref, Edit: edit}, nil
}

func errorMsg(ref, code, message, suggestion string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		Code:            code,
		Message:         message,
		Suggestion:      suggestion,
	}
}

func queue(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
