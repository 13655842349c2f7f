package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/maitred-ai/maitre/internal/voice"
)

// voiceFrame is a text message on the voice socket, in either direction.
// Binary messages carry raw PCM and have no JSON envelope. Audio is encoded
// as base64 by the JSON marshaller.
type voiceFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Audio  []byte `json:"audio,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleVoice runs voice exchanges over a websocket. Binary frames buffer
// caller audio (and barge in on a speaking turn); a commit frame closes the
// utterance and streams back the transcript and synthesised reply sentences.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("voice accept failed", "sid", sid, "err", err)
		return
	}
	defer conn.CloseNow()

	unbind := s.table.bind(sid, func() {
		conn.Close(websocket.StatusNormalClosure, "hangup")
	})
	defer unbind()

	ctx := r.Context()
	vs := s.voice.NewSession(sid)

	// Exchange outputs are written from their own goroutine while the read
	// loop keeps accepting audio, so barge-in stays possible mid-reply.
	var (
		writeMu sync.Mutex
		pending sync.WaitGroup
	)
	defer pending.Wait()

	write := func(f voiceFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsjson.Write(ctx, conn, f)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			vs.PushAudio(data)
			continue
		}

		var req voiceFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "commit" {
			_ = write(voiceFrame{Type: "aborted", Reason: "unknown_frame"})
			continue
		}

		outputs, err := vs.Commit(ctx)
		if err != nil {
			reason := "commit_rejected"
			if errors.Is(err, voice.ErrNoAudio) {
				reason = "no_audio"
			}
			_ = write(voiceFrame{Type: "aborted", Reason: reason})
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			streamOutputs(ctx, outputs, write)
		}()
	}
}

// streamOutputs forwards one exchange's outputs to the socket.
func streamOutputs(ctx context.Context, outputs <-chan voice.Output, write func(voiceFrame) error) {
	for o := range outputs {
		f := voiceFrame{Type: string(o.Kind)}
		switch o.Kind {
		case voice.OutputAborted:
			f.Reason = o.Text
		default:
			f.Text = o.Text
			f.Audio = o.Audio
		}
		if write(f) != nil || ctx.Err() != nil {
			// Drain the exchange so the pipeline goroutine can finish.
			for range outputs {
			}
			return
		}
	}
}
