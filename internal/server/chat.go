package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/maitred-ai/maitre/internal/goalagent"
	"github.com/maitred-ai/maitre/internal/session"
)

// turnFrame is the client-to-server message on the chat socket.
type turnFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// chunkFrame is the server-to-client message on the chat socket. Type mirrors
// the chunk kind; Reason is set on aborted frames.
type chunkFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// handleChat runs text turns over a websocket. The client sends turn frames;
// the server streams one chunk frame per agent chunk and keeps the socket
// open for the next turn until the client leaves or the session terminates.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("chat accept failed", "sid", sid, "err", err)
		return
	}
	defer conn.CloseNow()

	unbind := s.table.bind(sid, func() {
		conn.Close(websocket.StatusNormalClosure, "hangup")
	})
	defer unbind()

	ctx := r.Context()
	for {
		var req turnFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.Type != "turn" {
			_ = wsjson.Write(ctx, conn, chunkFrame{Type: "aborted", Reason: "unknown_frame"})
			continue
		}

		chunks, err := s.turner.Turn(ctx, sid, req.Text)
		if err != nil {
			_ = wsjson.Write(ctx, conn, chunkFrame{Type: "aborted", Reason: rejectionReason(err)})
			if errors.Is(err, session.ErrSessionTerminal) {
				conn.Close(websocket.StatusNormalClosure, "session terminal")
				return
			}
			continue
		}
		for c := range chunks {
			if err := wsjson.Write(ctx, conn, frameFromChunk(c)); err != nil {
				// The writer failed; drain so the turn finishes server-side.
				for range chunks {
				}
				return
			}
		}
	}
}

// frameFromChunk maps an agent chunk onto the wire shape.
func frameFromChunk(c goalagent.Chunk) chunkFrame {
	f := chunkFrame{Type: string(c.Kind)}
	switch c.Kind {
	case goalagent.ChunkAborted:
		f.Reason = c.Text
	case goalagent.ChunkToolCallBegin:
		f.Tool = c.Tool
	case goalagent.ChunkToolCallEnd:
		f.Tool = c.Tool
		f.Summary = c.Summary
	default:
		f.Text = c.Text
	}
	return f
}

// rejectionReason names a synchronous turn rejection for the wire.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionTerminal):
		return "session_terminal"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "turn_rejected"
	}
}
