// Package ws accepts websocket clients and runs the message protocol over
// them.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/agent-command/vcd/internal/logging"
	"github.com/agent-command/vcd/internal/metrics"
	"github.com/agent-command/vcd/internal/protocol"
)

type Config struct {
	// AllowedOrigins lists accepted Origin header values. Empty or "*"
	// accepts any origin.
	AllowedOrigins []string
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int
}

// Server upgrades requests to websocket connections, each with its own
// protocol state. Connections end when the peer disconnects or the context
// passed to NewServer is canceled.
type Server struct {
	ctx      context.Context
	cfg      Config
	protocol protocol.Options
	upgrader websocket.Upgrader
	logger   *log.Logger
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

func NewServer(ctx context.Context, cfg Config, opts protocol.Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		ctx:      ctx,
		cfg:      cfg,
		protocol: opts,
		logger:   logger.With("component", "ws"),
		metrics:  opts.Metrics,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	client := newClient(conn, s.cfg.SendBuffer, s.logger.With("remote", r.RemoteAddr))
	stop := context.AfterFunc(s.ctx, client.Close)
	defer stop()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	pc := protocol.NewConn(s.ctx, client, s.protocol)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		client.writePump()
	}()

	client.readPump(pc.Handle)

	pc.Close()
	client.Close()
	<-writeDone
	s.logger.Debug("client disconnected", "remote", r.RemoteAddr)
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
