// Package server is the daemon's ops surface: a small REST API plus
// JSON-RPC 2.0 over HTTP and websocket, with job events pushed to
// websocket clients.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"github.com/warpdl/racecard/pkg/logger"
)

// Deps wires the server to the rest of the daemon.
type Deps struct {
	Addr   string
	Secret string

	Version   string
	Commit    string
	BuildType string

	Store      Reader
	Dispatcher Dispatcher
	Triggers   TriggerLister
	Location   *time.Location
	Logger     logger.Logger
	Now        func() time.Time
}

// Server serves the ops API.
type Server struct {
	addr     string
	secret   string
	rpc      *RPCServer
	notifier *RPCNotifier
	log      logger.Logger

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

// New builds a Server. Call Start to listen.
func New(d Deps) *Server {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	l := logger.Named(d.Logger, "server")
	return &Server{
		addr:     d.Addr,
		secret:   d.Secret,
		rpc:      newRPCServer(d),
		notifier: NewRPCNotifier(l),
		log:      l,
	}
}

// Notifier returns the push notifier; hook its PublishJob to the scheduler.
func (s *Server) Notifier() *RPCNotifier { return s.notifier }

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /latest", s.handleLatest)
	mux.HandleFunc("GET /races", s.handleRaces)
	mux.HandleFunc("POST /collect", s.handleCollect)
	mux.HandleFunc("POST /scrape/{id}", s.handleScrape)
	mux.HandleFunc("GET /snapshot/{id}", s.handleSnapshot)
	mux.HandleFunc("GET /triggers", s.handleTriggers)
	mux.Handle("POST /jsonrpc", requireToken(s.secret, s.rpc.bridge))
	mux.Handle("GET /jsonrpc/ws", requireToken(s.secret, http.HandlerFunc(s.handleWS)))
	return mux
}

// handleWS runs one JSON-RPC session per websocket connection. Sessions
// receive job.* push notifications until they disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		s.log.Warning("websocket accept: %v", err)
		return
	}
	srv := jrpc2.NewServer(s.rpc.methods, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(&wsChannel{conn: conn, ctx: r.Context()})
	s.notifier.Register(srv)
	defer s.notifier.Unregister(srv)
	_ = srv.Wait()
}

// Listen binds the configured address. Start calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return ln.Addr(), nil
}

// Start serves until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	hs, ln := s.http, s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("listening on %s", addr)
	if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs := s.http
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	err := hs.Shutdown(ctx)
	s.rpc.Close()
	return err
}
