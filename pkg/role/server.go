package role

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"autolink/pkg/discovery"
	"autolink/pkg/events"
	"autolink/pkg/pipeline"
)

// Server advertises the service and accepts inbound connections, each served
// by its own pipeline. A payload received on one connection is relayed to all
// other connections and emitted on DataReceived.
type Server struct {
	cfg Config
	log *zap.Logger

	connChanged events.Event[ConnectionCount]
	dataRx      events.Event[[]byte]

	mu       sync.Mutex
	cancel   context.CancelFunc
	ln       net.Listener
	adv      discovery.Advertisement
	conns    map[*pipeline.Pipeline]struct{}
	stopping bool
	stopDone chan struct{}
	wg       sync.WaitGroup

	emitMu sync.Mutex
}

var _ Role = (*Server)(nil)

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, log: cfg.logger(ServerName), conns: make(map[*pipeline.Pipeline]struct{})}
}

func (s *Server) Name() string { return ServerName }

func (s *Server) ConnectionChanged() *events.Event[ConnectionCount] { return &s.connChanged }

func (s *Server) DataReceived() *events.Event[[]byte] { return &s.dataRx }

// Start listens on the configured port and advertises the port actually bound,
// so port 0 works.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(s.cfg.Service.Port))
	ln, err := s.cfg.Transport.Listen(runCtx, addr)
	if err != nil {
		cancel()
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	port, err := portOf(ln.Addr())
	if err != nil {
		_ = ln.Close()
		cancel()
		return fmt.Errorf("server: %w", err)
	}
	svc := s.cfg.Service
	svc.Port = port
	adv, err := s.cfg.Provider.Advertise(runCtx, svc)
	if err != nil {
		_ = ln.Close()
		cancel()
		return fmt.Errorf("server: advertise %s: %w", svc.Instance, err)
	}

	s.cancel, s.ln, s.adv = cancel, ln, adv
	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)
	s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("instance", svc.Instance))
	return nil
}

// Stop withdraws the advertisement, closes every accepted connection and
// waits until all of them have finished.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone == nil {
		s.stopping = true
		s.adv.Stop()
		_ = s.ln.Close()
		for p := range s.conns {
			p.Close()
		}
		s.cancel()
		done := make(chan struct{})
		s.stopDone = done
		go func() {
			s.wg.Wait()
			s.mu.Lock()
			s.cancel, s.ln, s.adv = nil, nil, nil
			s.stopping = false
			s.stopDone = nil
			s.mu.Unlock()
			close(done)
		}()
	}
	done := s.stopDone
	s.mu.Unlock()

	if err := wait(ctx, done); err != nil {
		return fmt.Errorf("server: stop: %w", err)
	}
	s.log.Debug("stopped")
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// Addr returns the bound listen address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connections returns the number of live inbound connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send queues payload on every accepted connection. It fails with
// ErrNotConnected when there is none.
func (s *Server) Send(payload []byte) error {
	targets := s.snapshot(nil)
	if len(targets) == 0 {
		return ErrNotConnected
	}
	var errs []error
	for _, p := range targets {
		if err := p.Send(payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.RemoteAddr(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) snapshot(except *pipeline.Pipeline) []*pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pipeline.Pipeline, 0, len(s.conns))
	for p := range s.conns {
		if p != except {
			out = append(out, p)
		}
	}
	return out
}

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// acceptLoop serves inbound connections until shutdown. Transient accept
// errors are retried with backoff. A listener that closed without a Stop can
// never accept again, so the advertisement is withdrawn.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopping() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.log.Warn("listener closed, withdrawing advertisement", zap.String("addr", ln.Addr().String()), zap.Error(err))
				s.withdraw()
				return
			}
			delay = nextBackoff(delay)
			s.log.Warn("accept failed, retrying", zap.String("addr", ln.Addr().String()), zap.Duration("backoff", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		s.serve(ctx, conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return acceptBackoffMin
	}
	return min(2*d, acceptBackoffMax)
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) withdraw() {
	s.mu.Lock()
	adv := s.adv
	s.mu.Unlock()
	if adv != nil {
		adv.Stop()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	var p *pipeline.Pipeline
	p = pipeline.New(conn, s.cfg.pipelineOptions(s.log, func(b []byte) {
		s.relay(p, b)
		s.dataRx.Emit(b)
	}))

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[p] = struct{}{}
	n := len(s.conns)
	s.wg.Add(1)
	s.emitMu.Lock()
	s.mu.Unlock()
	s.log.Info("inbound connection", zap.String("raddr", conn.RemoteAddr().String()), zap.Int("connections", n))
	s.connChanged.Emit(ConnectionCount{Role: ServerName, Count: n})
	s.emitMu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := p.Run(ctx); err != nil {
			s.log.Warn("inbound connection ended with error", zap.String("raddr", conn.RemoteAddr().String()), zap.Error(err))
		}
		s.mu.Lock()
		delete(s.conns, p)
		n := len(s.conns)
		s.emitMu.Lock()
		s.mu.Unlock()
		s.log.Info("inbound connection closed", zap.String("raddr", conn.RemoteAddr().String()), zap.Int("connections", n))
		s.connChanged.Emit(ConnectionCount{Role: ServerName, Count: n})
		s.emitMu.Unlock()
	}()
}

func (s *Server) relay(from *pipeline.Pipeline, b []byte) {
	for _, p := range s.snapshot(from) {
		if err := p.Send(b); err != nil {
			s.log.Debug("relay failed", zap.String("raddr", p.RemoteAddr().String()), zap.Error(err))
		}
	}
}

func portOf(addr net.Addr) (int, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	_, ps, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, fmt.Errorf("listen address %s: %w", addr, err)
	}
	port, err := strconv.Atoi(ps)
	if err != nil {
		return 0, fmt.Errorf("listen address %s: %w", addr, err)
	}
	return port, nil
}
