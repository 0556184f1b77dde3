package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aperturemedia/aperture/media"
	"github.com/aperturemedia/aperture/router"
)

// offerMessage is the signaling message a viewer sends to request a
// stream, carrying its ICE ufrag/pwd (WebRTC SDP munging is avoided —
// browsers that speak this protocol extract ufrag/pwd from their own
// locally-generated offer before sending it here).
type offerMessage struct {
	StreamKey string `json:"streamKey"`
	IceUfrag  string `json:"iceUfrag"`
	IcePwd    string `json:"icePwd"`
}

type answerMessage struct {
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// RouterLookup resolves a stream key to its Router and registered tracks.
type RouterLookup func(streamKey string) (*router.Router, []media.Track, bool)

// SignalingHandler upgrades incoming connections to WebSocket and runs
// the SDP offer/answer exchange described in spec §6, one Session per
// connection.
type SignalingHandler struct {
	log      *slog.Logger
	lookup   RouterLookup
	upgrader websocket.Upgrader
}

// NewSignalingHandler creates a signaling endpoint. lookup resolves the
// requested stream to the Router the new Session should attach to.
func NewSignalingHandler(lookup RouterLookup, log *slog.Logger) *SignalingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SignalingHandler{
		log:    log.With("component", "webrtc-signaling"),
		lookup: lookup,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler, upgrading the connection and
// running the offer/answer exchange for its lifetime.
func (h *SignalingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var offer offerMessage
	if err := conn.ReadJSON(&offer); err != nil {
		h.log.Debug("read offer failed", "error", err)
		return
	}

	rtr, tracks, ok := h.lookup(offer.StreamKey)
	if !ok {
		h.writeError(conn, fmt.Errorf("unknown stream %q", offer.StreamKey))
		return
	}

	sess, err := NewSession(fmt.Sprintf("%s-%p", offer.StreamKey, conn), h.log)
	if err != nil {
		h.writeError(conn, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := sess.Start(ctx, offer.IceUfrag, offer.IcePwd); err != nil {
		h.writeError(conn, err)
		return
	}

	builder := NewSDPBuilder(1, offer.IceUfrag, offer.IcePwd, sess.LocalFingerprint())
	for i, t := range tracks {
		ssrc := uint32(i + 1)
		sess.AddTrack(t, ssrc)
	}
	sdpBytes, err := builder.Build(tracks)
	if err != nil {
		h.writeError(conn, err)
		return
	}

	if err := conn.WriteJSON(answerMessage{SDP: string(sdpBytes)}); err != nil {
		h.log.Debug("write answer failed", "error", err)
		return
	}

	rtr.AttachObserver(sess, nil, router.DropNewest)
	defer rtr.DetachObserver(sess.ID())
	defer sess.Close()

	h.log.Info("viewer attached", "stream_key", offer.StreamKey, "session", sess.ID())

	// Keep the connection open (and the session attached) until the
	// viewer disconnects; inbound messages after the offer are unused.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *SignalingHandler) writeError(conn *websocket.Conn, err error) {
	h.log.Warn("signaling error", "error", err)
	_ = conn.WriteJSON(answerMessage{Error: err.Error()})
}
