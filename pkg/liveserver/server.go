// Package liveserver streams committed audit records to websocket subscribers
package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"execution_core/internal/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	feedActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execution_core_feed_active_connections",
		Help: "Current number of audit feed connections",
	})

	feedRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_core_feed_rejected_total",
		Help: "Audit feed connections refused before upgrade",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(feedActiveConnections, feedRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Replayer is the audit log the feed backfills from
type Replayer interface {
	Replay(ctx context.Context, fromSeq uint64) iter.Seq2[core.AuditRecord, error]
}

// Options configures the feed server
type Options struct {
	Addr           string
	AllowedOrigins []string
	Production     bool
	MaxConnections int

	// RateLimit is connection attempts per second per IP
	RateLimit    float64
	RateBurst    int
	ClientBuffer int
}

// Server serves /ws. Clients may pass ?from=<sequence> to backfill from the audit log
// before live records; the stream never repeats or reorders a sequence.
type Server struct {
	opts     Options
	hub      *Hub
	replay   Replayer
	logger   core.ILogger
	upgrader websocket.Upgrader
	srv      *http.Server

	connSemaphore chan struct{}
	ipLimiters    sync.Map // ip -> *rate.Limiter
}

func NewServer(hub *Hub, replay Replayer, opts Options, logger core.ILogger) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}

	s := &Server{
		opts:          opts,
		hub:           hub,
		replay:        replay,
		logger:        logger.WithField("component", "audit_feed"),
		connSemaphore: make(chan struct{}, opts.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the feed mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Publish forwards a committed audit record to subscribers
func (s *Server) Publish(rec core.AuditRecord) {
	s.hub.Broadcast(NewAuditMessage(rec))
}

// PublishTransition forwards a trading state change to subscribers
func (s *Server) PublishTransition(t core.StateTransition) {
	s.hub.Broadcast(NewStateMessage(t))
}

// Run serves the hub and the listener until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting audit feed", "addr", lis.Addr().String())
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
		defer cancel()
		s.logger.Info("Stopping audit feed")
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin
		return !s.opts.Production
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected feed connection with invalid Origin", "origin", origin, "error", err)
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" && !s.opts.Production {
			return true
		}
		if originStr == allowed {
			return true
		}
	}
	s.logger.Warn("Rejected feed connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip)
		feedRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var from uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || seq == 0 {
			feedRejectedTotal.WithLabelValues("bad_request").Inc()
			http.Error(w, "from must be a positive sequence", http.StatusBadRequest)
			return
		}
		from = seq
	}

	select {
	case s.connSemaphore <- struct{}{}:
		feedActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			feedActiveConnections.Dec()
		}()
	default:
		s.logger.Warn("Max feed connections reached", "max", s.opts.MaxConnections)
		feedRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.NewString(), s.opts.ClientBuffer)
	// Registered before the backfill so nothing committed meanwhile is lost
	if !s.hub.Register(client) {
		return
	}
	s.logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr, "from", from)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writePump(ctx, conn, client, from)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.readPump(conn)
	}()

	<-ctx.Done()
	s.hub.Unregister(client)
	_ = conn.SetReadDeadline(time.Now())
	wg.Wait()

	s.logger.Info("Client disconnected", "client_id", client.id)
}

// writePump owns every write on conn
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, client *Client, from uint64) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var lastSent uint64
	if from > 0 && s.replay != nil {
		for rec, err := range s.replay.Replay(ctx, from) {
			if err != nil {
				s.logger.Warn("Feed backfill failed", "client_id", client.id, "error", err)
				return
			}
			if !s.write(conn, NewAuditMessage(rec)) {
				return
			}
			lastSent = rec.Sequence
		}
		if !s.write(conn, Message{Type: TypeReplayDone, Sequence: lastSent}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Messages():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if msg.Type == TypeAudit {
				if msg.Sequence <= lastSent {
					continue
				}
				lastSent = msg.Sequence
			}
			if !s.write(conn, msg) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg Message) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("Feed write failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// readPump only services control frames; subscribers never send data
func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().UTC(),
	})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst))
	return actual.(*rate.Limiter)
}
