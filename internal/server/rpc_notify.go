package server

import (
	"context"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/pkg/logger"
)

// Push notification methods, one per job phase.
const (
	NotifyJobStarted  = "job.started"
	NotifyJobFinished = "job.finished"
	NotifyJobFailed   = "job.failed"
)

// RPCNotifier fans push notifications out to every connected websocket
// session.
type RPCNotifier struct {
	mu      sync.RWMutex
	servers map[*jrpc2.Server]struct{}
	log     logger.Logger
}

// NewRPCNotifier creates a notifier. l may be nil.
func NewRPCNotifier(l logger.Logger) *RPCNotifier {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &RPCNotifier{
		servers: make(map[*jrpc2.Server]struct{}),
		log:     l,
	}
}

func (n *RPCNotifier) Register(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[srv] = struct{}{}
}

func (n *RPCNotifier) Unregister(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, srv)
}

// Broadcast pushes method to all sessions. Sessions that fail to receive
// are dropped.
func (n *RPCNotifier) Broadcast(method string, params any) {
	n.mu.RLock()
	servers := make([]*jrpc2.Server, 0, len(n.servers))
	for srv := range n.servers {
		servers = append(servers, srv)
	}
	n.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range servers {
		if err := srv.Notify(context.Background(), method, params); err != nil {
			n.log.Warning("rpc push %s failed: %v", method, err)
			failed = append(failed, srv)
		}
	}
	if len(failed) == 0 {
		return
	}
	n.mu.Lock()
	for _, srv := range failed {
		delete(n.servers, srv)
	}
	n.mu.Unlock()
}

// Count returns the number of connected sessions.
func (n *RPCNotifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.servers)
}

// PublishJob pushes a scheduler event as job.<phase>. It is meant to be
// passed to Scheduler.OnEvent.
func (n *RPCNotifier) PublishJob(ev scheduler.Event) {
	n.Broadcast("job."+string(ev.Phase), ev)
}
