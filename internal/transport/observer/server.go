// Package observer serves read-only heightfield streams to viewers on the
// loopback interface.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"terragen.ai/internal/observerproto"
	"terragen.ai/internal/sim/terrain"
)

const (
	handshakeTimeout = 5 * time.Second
	idleTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
)

var errNotSubscribe = errors.New("expected SUBSCRIBE")

type Server struct {
	rt  *terrain.Runtime
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(rt *terrain.Runtime, logger *log.Logger) *Server {
	return &Server{
		rt:  rt,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 256 * 1024,
			// Only loopback callers get past loopbackOnly.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// BootstrapHandler answers GET with the terrain description a viewer needs
// before subscribing.
func (s *Server) BootstrapHandler() http.HandlerFunc {
	return loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
		defer cancel()
		resp, err := s.rt.RequestBootstrap(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
}

// WSHandler streams observer frames. The first client message must be a
// SUBSCRIBE; later ones change the stride.
func (s *Server) WSHandler() http.HandlerFunc {
	return loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, err := readSubscribe(conn, handshakeTimeout)
		if err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, err.Error())
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		frames := make(chan []byte, 2)
		select {
		case s.rt.ObserverJoin() <- terrain.ObserverJoinRequest{SessionID: sid, Stride: sub.Stride, Out: frames}:
		default:
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		defer s.leave(sid)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		pumpDone := make(chan error, 1)
		go func() { pumpDone <- pump(ctx, conn, frames) }()

		for {
			sub, err := readSubscribe(conn, idleTimeout)
			if errors.Is(err, errNotSubscribe) {
				continue
			}
			if err != nil {
				break
			}
			select {
			case s.rt.ObserverSubscribe() <- terrain.ObserverSubscribeRequest{SessionID: sid, Stride: sub.Stride}:
			default:
				// Dropped under load; the viewer may resend.
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")
		select {
		case err := <-pumpDone:
			if err != nil && !errors.Is(err, context.Canceled) && s.log != nil {
				s.log.Printf("[observer] %s write: %v", sid, err)
			}
		case <-time.After(500 * time.Millisecond):
		}
	})
}

func (s *Server) leave(sid string) {
	select {
	case s.rt.ObserverLeave() <- sid:
	default:
		// Runtime is stopping.
	}
}

// readSubscribe returns errNotSubscribe for well-formed JSON that is not a
// current-version SUBSCRIBE, and the read or decode error otherwise.
func readSubscribe(conn *websocket.Conn, timeout time.Duration) (observerproto.SubscribeMsg, error) {
	var sub observerproto.SubscribeMsg
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, errNotSubscribe
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, errNotSubscribe
	}
	return sub, nil
}

// pump writes frames until ctx ends, frames closes, or a write fails.
func pump(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-frames:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next(rw, r)
	}
}
