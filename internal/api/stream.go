package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/worldkernel/worldkernel/internal/notify"
)

const (
	streamBuffer  = 64
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
	drainOnAttach = 256
)

// streamer pushes a principal's notifications over websocket connections.
type streamer struct {
	hub      *notify.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsListener
}

func newStreamer(hub *notify.Hub, logger *slog.Logger) *streamer {
	return &streamer{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*wsListener),
	}
}

// wsListener is a notify.Listener backed by one websocket connection.
type wsListener struct {
	id        string
	principal string
	ch        chan notify.Notification
	done      chan struct{}
	once      sync.Once
}

func (l *wsListener) ID() string        { return l.id }
func (l *wsListener) Principal() string { return l.principal }

func (l *wsListener) Send(n notify.Notification) error {
	select {
	case <-l.done:
		return fmt.Errorf("listener %s closed", l.id)
	default:
	}
	select {
	case l.ch <- n:
		return nil
	default:
		return fmt.Errorf("listener %s is full", l.id)
	}
}

func (l *wsListener) close() {
	l.once.Do(func() { close(l.done) })
}

// handleStream upgrades the request and streams notifications for the
// authenticated principal. Without auth the principal comes from
// ?principal=.
// GET /ws
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal == "" {
		principal = r.URL.Query().Get("principal")
	}
	if principal == "" {
		respondError(w, http.StatusBadRequest, "principal is required")
		return
	}
	if _, err := s.kernel.Ledger().Get(principal); err != nil {
		respondCode(w, err)
		return
	}

	conn, err := s.stream.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "principal", principal, "error", err)
		return
	}
	s.stream.serve(conn, principal)
}

func (st *streamer) serve(conn *websocket.Conn, principal string) {
	l := &wsListener{
		id:        "ws-" + uuid.New().String(),
		principal: principal,
		ch:        make(chan notify.Notification, streamBuffer),
		done:      make(chan struct{}),
	}

	st.mu.Lock()
	st.conns[l.id] = l
	st.mu.Unlock()
	st.hub.Attach(l)
	st.logger.Debug("stream attached", "listener", l.id, "principal", principal)

	defer func() {
		st.hub.Detach(l.id)
		st.mu.Lock()
		delete(st.conns, l.id)
		st.mu.Unlock()
		l.close()
		conn.Close()
		st.logger.Debug("stream detached", "listener", l.id, "principal", principal)
	}()

	// Reader: only control frames are expected; any error ends the stream.
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer l.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Anything already waiting in the inbox goes first.
	for _, n := range st.hub.Drain(principal, drainOnAttach) {
		if err := write(conn, n); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case n := <-l.ch:
			if err := write(conn, n); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, n notify.Notification) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(n)
}

// closeAll ends every open stream.
func (st *streamer) closeAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, l := range st.conns {
		l.close()
	}
}
