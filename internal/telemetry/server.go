// Package telemetry serves read-only queue status over HTTP and pushes it to
// websocket subscribers on a fixed interval.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
)

const writeWait = 5 * time.Second

// Snapshot is the payload of GET /status and of every websocket push.
type Snapshot struct {
	Queue      model.QueueStatus `json:"queue"`
	Discovered int               `json:"discovered"`
	Identity   string            `json:"identity,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Provider builds a snapshot. It must not block or mutate queue state.
type Provider func() Snapshot

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	provider Provider
	interval time.Duration
	clock    clock.WithTicker
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	http *http.Server
}

func NewServer(provider Provider, interval time.Duration, log *logging.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		provider: provider,
		interval: interval,
		clock:    clock.RealClock{},
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider()); err != nil {
		s.log.Warnf("encode status: %v", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}
	sub := &subscriber{conn: conn}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	count := len(s.subs)
	s.mu.Unlock()
	s.log.Debugf("subscriber connected remote=%s subscribers=%d", r.RemoteAddr, count)

	data, err := json.Marshal(s.provider())
	if err == nil {
		err = sub.write(data, s.clock.Now().Add(writeWait))
	}
	if err != nil {
		s.log.Debugf("initial snapshot: %v", err)
		s.drop(sub)
		return
	}

	// Clients never send anything meaningful; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(sub)
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if ok {
		sub.conn.Close()
	}
}

func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Broadcast pushes one snapshot to every subscriber. Subscribers that fail
// the write are disconnected.
func (s *Server) Broadcast() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(s.provider())
	if err != nil {
		s.log.Warnf("marshal snapshot: %v", err)
		return
	}
	deadline := s.clock.Now().Add(writeWait)
	for _, sub := range subs {
		if err := sub.write(data, deadline); err != nil {
			s.log.Debugf("subscriber write failed: %v", err)
			s.drop(sub)
		}
	}
}

// Run broadcasts every interval until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Broadcast()
		}
	}
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("telemetry server: %v", err)
		}
	}()
	s.log.Infof("telemetry listening addr=%s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown disconnects subscribers and stops the HTTP server if started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	subs := s.subs
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.mu.Lock()
		_ = sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			s.clock.Now().Add(time.Second))
		sub.mu.Unlock()
		sub.conn.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
