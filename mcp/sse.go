package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/telemetry"
)

// keepaliveInterval is how often idle SSE streams receive a comment so
// intermediaries do not reap the connection.
const keepaliveInterval = 15 * time.Second

// messageTimeout bounds the handling of one posted message. It must exceed
// the dispatcher's poll window or long component tool calls get cut short.
const messageTimeout = 2 * time.Minute

type (
	// Hub owns the live SSE sessions of the gateway. A session pairs one
	// event stream with the virtual server it announced; messages posted
	// against the session are answered on that stream.
	Hub struct {
		keepalive  time.Duration
		msgTimeout time.Duration
		logger     telemetry.Logger

		mu       sync.Mutex
		sessions map[string]*streamSession
	}

	streamSession struct {
		id     string
		server *Server
		out    chan []byte
		done   chan struct{}
		once   sync.Once
	}

	// HubOptions configure the hub.
	HubOptions struct {
		Keepalive time.Duration
		// MessageTimeout bounds the handling of one posted message.
		MessageTimeout time.Duration
		Logger         telemetry.Logger
	}
)

// NewHub builds a hub.
func NewHub(opts HubOptions) *Hub {
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = keepaliveInterval
	}
	msgTimeout := opts.MessageTimeout
	if msgTimeout <= 0 {
		msgTimeout = messageTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Hub{keepalive: keepalive, msgTimeout: msgTimeout, logger: logger, sessions: make(map[string]*streamSession)}
}

// ServeStream runs an SSE session against the given virtual server until the
// client disconnects. The first event tells the client where to post its
// messages; afterwards the stream carries responses and keepalive comments.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, srv *Server, messagesPath string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}
	sess := &streamSession{
		id:     newSessionID(),
		server: srv,
		out:    make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	defer h.drop(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("mcp-protocol-version", ProtocolVersion)
	w.WriteHeader(http.StatusOK)

	endpoint := messagesPath + "?sessionId=" + url.QueryEscape(sess.id)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-sess.done:
			return nil
		case msg := <-sess.out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// PostMessage handles a JSON-RPC message for a session. The response, if any,
// is pushed onto the session's stream; the HTTP caller only learns that the
// message was accepted. The POST context dies the moment the 202 is written,
// so handling runs on a detached context bounded by the message timeout and
// the session's lifetime.
func (h *Hub) PostMessage(ctx context.Context, sessionID string, raw []byte) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return rferr.New(rferr.KindNotFound, "unknown mcp session").WithField("sessionId", sessionID)
	}
	msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.msgTimeout)
	go func() {
		defer cancel()
		handled := make(chan struct{})
		go func() {
			select {
			case <-sess.done:
				cancel()
			case <-handled:
			}
		}()
		resp := sess.server.HandleMessage(msgCtx, raw)
		close(handled)
		if resp == nil {
			return
		}
		select {
		case sess.out <- resp:
		case <-sess.done:
		case <-time.After(h.keepalive):
			h.logger.Warn(msgCtx, "mcp session stream is stalled, dropping response", "session_id", sessionID)
		}
	}()
	return nil
}

// CloseAll tears down every live session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*streamSession, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (h *Hub) drop(sess *streamSession) {
	sess.close()
	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()
}

func (s *streamSession) close() {
	s.once.Do(func() { close(s.done) })
}

func newSessionID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}
