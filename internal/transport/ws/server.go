package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fabplan.dev/internal/planner"
	"fabplan.dev/internal/protocol"
	"fabplan.dev/internal/tuning"
)

type Server struct {
	svc    *planner.Service
	limits tuning.WSLimits
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(svc *planner.Service, limits tuning.WSLimits, logger *log.Logger) *Server {
	s := &Server{
		svc:    svc,
		limits: limits,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) readDeadline() time.Duration {
	if s.limits.ReadDeadlineSec > 0 {
		return time.Duration(s.limits.ReadDeadlineSec) * time.Second
	}
	return 60 * time.Second
}

func (s *Server) writeDeadline() time.Duration {
	if s.limits.WriteDeadlineSec > 0 {
		return time.Duration(s.limits.WriteDeadlineSec) * time.Second
	}
	return 5 * time.Second
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, subID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline()))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline()))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			if base.Type != protocol.TypeCmd {
				continue
			}
			var cmd protocol.CmdMsg
			if err := json.Unmarshal(msg, &cmd); err != nil {
				continue
			}
			if cmd.ProtocolVersion != protocol.Version {
				continue
			}
			s.svc.Inbox() <- planner.CmdEnvelope{SessionID: sessionID, SubID: subID, Cmd: cmd}
		}

		// Cleanup. The session itself survives for resume.
		s.svc.Detach() <- planner.DetachRequest{SessionID: sessionID, SubID: subID}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, subID uint64, out chan []byte) {
	deadline := 5 * time.Second
	if s.limits.HandshakeDeadlineSec > 0 {
		deadline = time.Duration(s.limits.HandshakeDeadlineSec) * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", 0, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.closePolicy(conn, "expected HELLO")
		return "", 0, nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", 0, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.closePolicy(conn, "bad protocol_version")
		return "", 0, nil
	}

	maxQ := s.limits.MaxOutQueue
	if maxQ <= 0 {
		maxQ = 64
	}
	out = make(chan []byte, maxQ)

	respCh := make(chan planner.AttachResponse, 1)
	s.svc.Attach() <- planner.AttachRequest{
		ResumeToken: strings.TrimSpace(hello.ResumeToken),
		ClientName:  hello.ClientName,
		Out:         out,
		Resp:        respCh,
	}
	resp := <-respCh
	if resp.ErrCode != "" {
		s.closePolicy(conn, resp.ErrCode)
		return "", 0, nil
	}

	if err := writeJSON(conn, resp.Welcome, s.writeDeadline()); err != nil {
		s.svc.Detach() <- planner.DetachRequest{SessionID: resp.SessionID, SubID: resp.SubID}
		return "", 0, nil
	}

	return resp.SessionID, resp.SubID, out
}

func (s *Server) closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any, deadline time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(deadline))
	return conn.WriteMessage(websocket.TextMessage, b)
}
