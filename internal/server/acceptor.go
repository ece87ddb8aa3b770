package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jeffvan302/fileharbor/internal/auth"
	"github.com/jeffvan302/fileharbor/internal/config"
	"github.com/jeffvan302/fileharbor/internal/ferrors"
	"github.com/jeffvan302/fileharbor/internal/fileops"
	"github.com/jeffvan302/fileharbor/internal/registry"
)

// defaultWorkerThreads mirrors server.py's ThreadPoolExecutor default when
// the config omits network.worker_threads.
const defaultWorkerThreads = 16

// Server owns the TLS listener, the bounded worker pool that dispatches
// accepted connections to handler.serve, and the registry's idle reaper.
// It is the Go-idiomatic replacement for the Python original's
// socket.accept() loop handed off to a ThreadPoolExecutor: a semaphore
// channel caps concurrent handlers instead of a pool of pre-spawned
// threads, and a sync.WaitGroup tracks them for graceful shutdown.
type Server struct {
	cfg     *config.ServerConfig
	authn   *auth.Authenticator
	reg     *registry.Registry
	reaper  *registry.Reaper
	backend *fileops.Backend
	log     logr.Logger

	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	closing bool
	conns   map[net.Conn]struct{}
}

// New builds a Server from a validated ServerConfig. It parses the CA and
// client certificates and the server's own key pair, but does not yet
// listen; call Serve to start accepting connections.
func New(cfg *config.ServerConfig, log logr.Logger) (*Server, error) {
	caCert, err := config.ParseCertificatePEM([]byte(cfg.Security.CACertificatePEM))
	if err != nil {
		return nil, err
	}

	clients := make(map[string]auth.ClientRecord, len(cfg.Clients))
	for id, c := range cfg.Clients {
		cert, err := config.ParseCertificatePEM([]byte(c.CertificatePEM))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindCertificate, err, "parsing client certificate for "+id)
		}
		clients[id] = auth.ClientRecord{
			ID:           c.ID,
			DisplayName:  c.DisplayName,
			Certificate:  cert,
			Revoked:      c.Revoked,
			RateLimitBps: c.RateLimitBps,
		}
	}

	libraries := make(map[string]auth.LibraryRecord, len(cfg.Libraries))
	for id, l := range cfg.Libraries {
		authorized := make(map[string]bool, len(l.AuthorizedClientIDs))
		for _, cid := range l.AuthorizedClientIDs {
			authorized[cid] = true
		}
		libraries[id] = auth.LibraryRecord{
			ID:                id,
			Name:              l.Name,
			AuthorizedClients: authorized,
		}
	}

	authn := auth.New(caCert, clients, libraries, cfg.CRLBigInts())
	reg := registry.New(log)

	idleTimeout := time.Duration(cfg.Reap.IdleTimeoutS) * time.Second
	if idleTimeout == 0 {
		idleTimeout = 10 * time.Minute
	}
	reaper := registry.NewReaper(reg, idleTimeout)

	workers := cfg.Network.WorkerThreads
	if workers <= 0 {
		workers = defaultWorkerThreads
	}

	return &Server{
		cfg:     cfg,
		authn:   authn,
		reg:     reg,
		reaper:  reaper,
		backend: fileops.New(),
		log:     log,
		sem:     make(chan struct{}, workers),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Serve binds the listen address, wraps it in TLS, starts the idle
// reaper, and accepts connections until Stop is called; other accept
// errors are logged and the loop continues. It blocks until the accept
// loop exits.
func (s *Server) Serve() error {
	serverCert, err := config.LoadKeyPair(s.cfg.Security.ServerCertPEM, s.cfg.Security.ServerKeyPEM)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Network.Host, s.cfg.Network.Port)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return ferrors.Wrap(ferrors.KindConnection, err, "failed to listen on "+addr)
	}

	s.mu.Lock()
	s.listener = tls.NewListener(raw, s.authn.TLSConfig(serverCert))
	s.mu.Unlock()

	reapSchedule := s.cfg.Reap.Schedule
	if reapSchedule == "" {
		reapSchedule = "@every 60s"
	}
	if err := s.reaper.Start(reapSchedule); err != nil {
		s.listener.Close()
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to start idle reaper")
	}

	s.log.Info("listening", "address", addr, "libraries", len(s.cfg.Libraries), "worker_threads", cap(s.sem))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				break
			}
			s.log.Error(err, "accept failed")
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.V(1).Info("connection rejected: worker pool saturated", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}

	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	h := newHandler(conn, s.authn, s.cfg, s.reg, s.backend, s.log)
	h.serve()
}

// Stop stops accepting new connections, force-closes any still-open
// connections so their blocked handlers unwind, waits for them to
// finish, and halts the idle reaper. It mirrors FileHarborServer.stop's
// shutdown order: close the listener first, then drain the worker pool,
// then stop background scheduling.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	var open []net.Conn
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range open {
		c.Close()
	}
	s.wg.Wait()
	s.reaper.Stop()
}

// ActiveSessions reports the registry's current session count, used by
// a future status/health endpoint.
func (s *Server) ActiveSessions() int {
	return s.reg.Count()
}

// Addr returns the listener's bound address, or nil before Serve has
// started listening. Useful in tests that bind to port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
