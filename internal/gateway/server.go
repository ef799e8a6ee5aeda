// Package gateway implements the session gateway (C7): a TCP listener
// accepting persistent duplex length-delimited JSON connections, bounded
// by a goroutine pool, dispatching decoded frames to storage, the query
// pipeline, and the subscription manager.
package gateway

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/reactivedoc/internal/config"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/metrics"
	"github.com/kartikbazzad/reactivedoc/internal/storage"
	"github.com/kartikbazzad/reactivedoc/internal/subscriptions"
)

// Server accepts connections and hands each one to the worker pool,
// bounding total concurrent sessions the way docdb bounds concurrent
// IPC connections.
type Server struct {
	cfg     *config.Config
	adapter storage.Adapter
	subs    *subscriptions.Manager
	log     *logger.Logger
	metrics *metrics.Registry

	listener net.Listener
	pool     *ants.Pool

	connSeq int64
	wg      sync.WaitGroup
	closing chan struct{}
	closeOnce sync.Once

	perClientMu sync.Mutex
	perClient   map[string]int
}

func NewServer(cfg *config.Config, adapter storage.Adapter, subs *subscriptions.Manager, log *logger.Logger, reg *metrics.Registry) (*Server, error) {
	pool, err := ants.NewPool(cfg.MaxConcurrentConns)
	if err != nil {
		return nil, fmt.Errorf("gateway: creating worker pool: %w", err)
	}
	return &Server{
		cfg:     cfg,
		adapter: adapter,
		subs:    subs,
		log:     log,
		metrics: reg,
		pool:      pool,
		closing:   make(chan struct{}),
		perClient: make(map[string]int),
	}, nil
}

// ListenAndServe binds the configured address and accepts connections
// until Stop is called.
func (srv *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", srv.cfg.ListenAddr, srv.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	srv.listener = ln

	if srv.log != nil {
		srv.log.Info("gateway: listening on %s", addr)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.closing:
				return nil
			default:
				if srv.log != nil {
					srv.log.Warn("gateway: accept error: %v", err)
				}
				continue
			}
		}

		host := clientHost(conn)
		if !srv.admitClient(host) {
			if srv.log != nil {
				srv.log.Warn("gateway: rejecting connection from %s, per-client limit reached", host)
			}
			conn.Close()
			continue
		}

		id := fmt.Sprintf("sess-%d", atomic.AddInt64(&srv.connSeq, 1))
		srv.wg.Add(1)
		task := func() {
			defer srv.wg.Done()
			defer srv.releaseClient(host)
			sess := newSession(id, conn, srv.cfg, srv.adapter, srv.subs, srv.log, srv.metrics)
			sess.run()
		}
		if err := srv.pool.Submit(task); err != nil {
			if srv.log != nil {
				srv.log.Warn("gateway: rejecting connection %s, pool full: %v", id, err)
			}
			conn.Close()
			srv.releaseClient(host)
			srv.wg.Done()
		}
	}
}

func clientHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// admitClient enforces max_connections_per_client (spec §6): a soft cap
// on simultaneous connections from one remote host.
func (srv *Server) admitClient(host string) bool {
	srv.perClientMu.Lock()
	defer srv.perClientMu.Unlock()
	if srv.perClient[host] >= srv.cfg.MaxConnectionsPerClient {
		return false
	}
	srv.perClient[host]++
	return true
}

func (srv *Server) releaseClient(host string) {
	srv.perClientMu.Lock()
	defer srv.perClientMu.Unlock()
	srv.perClient[host]--
	if srv.perClient[host] <= 0 {
		delete(srv.perClient, host)
	}
}

// Stop closes the listener and drains in-flight sessions, waiting up to
// the given timeout before giving up on stragglers.
func (srv *Server) Stop(timeout time.Duration) {
	srv.closeOnce.Do(func() {
		close(srv.closing)
		if srv.listener != nil {
			srv.listener.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if srv.log != nil {
			srv.log.Warn("gateway: shutdown timed out waiting for sessions to drain")
		}
	}
	srv.pool.Release()
}
