// Package pipeline runs the framed read/write loops for one connection.
//
// A Pipeline owns its net.Conn. Run starts a read loop that delivers every
// inbound frame to the OnReceive callback and a write loop that drains a
// bounded outbound queue. Termination is coordinated through a sentinel item
// on that queue: the write loop closes the connection when it sees it, which
// in turn ends the read loop. Run returns once both loops have exited.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autolink/pkg/frame"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is full. The
	// payload is dropped.
	ErrQueueFull = errors.New("pipeline: outbound queue full")
	// ErrClosed is returned by Send once termination has been requested.
	ErrClosed = errors.New("pipeline: closed")
)

// DefaultQueueSize is used when Options.QueueSize is not positive.
const DefaultQueueSize = 128

// DefaultCloseGrace bounds how long pending writes may block after Close.
const DefaultCloseGrace = 5 * time.Second

// Observer receives per-frame statistics. Implementations must be safe for
// concurrent use.
type Observer interface {
	FrameReceived(n int)
	FrameSent(n int)
	SendDropped()
}

// Options configures a Pipeline.
type Options struct {
	QueueSize    int
	MaxFrameSize int
	// CloseGrace is the write deadline applied when Close is called, so a peer
	// that stopped reading cannot stall shutdown.
	CloseGrace time.Duration
	// OnReceive is called from the read loop for every inbound payload.
	OnReceive func([]byte)
	Observer  Observer
	Logger    *zap.Logger
}

// item is one outbound queue entry. stop marks the termination sentinel, so a
// zero-length payload is still a real message.
type item struct {
	payload []byte
	stop    bool
}

// Pipeline is the framed I/O pipeline of one connection.
type Pipeline struct {
	conn      net.Conn
	opts      Options
	log       *zap.Logger
	queue     chan item
	queueSize int

	mu       sync.Mutex
	stopped  bool // sentinel queued
	closing  atomic.Bool
	started  atomic.Bool
	finished chan struct{}
}

// New wraps conn. The pipeline does nothing until Run is called.
func New(conn net.Conn, opts Options) *Pipeline {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	log := opts.Logger
	if log == nil {
		log = zap.L().Named("pipeline")
	}
	return &Pipeline{
		conn: conn,
		opts: opts,
		log:  log.With(zap.String("remote", conn.RemoteAddr().String())),
		// one extra slot is reserved for the sentinel so it can always be queued
		queue:     make(chan item, size+1),
		queueSize: size,
		finished:  make(chan struct{}),
	}
}

// RemoteAddr returns the peer address of the underlying connection.
func (p *Pipeline) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// Send queues payload for transmission without blocking. A full queue drops
// the payload with a warning and returns ErrQueueFull. A payload above
// MaxFrameSize is refused with frame.ErrFrameTooLarge, since the peer would
// drop the connection on reading it.
func (p *Pipeline) Send(payload []byte) error {
	if err := frame.CheckSize(len(payload), p.opts.MaxFrameSize); err != nil {
		p.log.Warn("payload too large, not sent", zap.Int("bytes", len(payload)), zap.Int("max", p.maxFrame()))
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrClosed
	}
	if len(p.queue) >= p.queueSize {
		p.log.Warn("queue full, data lost", zap.Int("bytes", len(payload)))
		if p.opts.Observer != nil {
			p.opts.Observer.SendDropped()
		}
		return ErrQueueFull
	}
	p.queue <- item{payload: payload}
	return nil
}

func (p *Pipeline) maxFrame() int {
	if p.opts.MaxFrameSize <= 0 {
		return frame.DefaultMaxSize
	}
	return p.opts.MaxFrameSize
}

// Close requests local shutdown: the sentinel is queued behind any pending
// payloads and the write loop closes the connection once it reaches it. Close
// does not wait; use Done or the return of Run for that. If Run was never
// called the connection is closed directly.
func (p *Pipeline) Close() {
	p.closing.Store(true)
	p.terminate()
	if !p.started.Load() {
		_ = p.conn.Close()
		return
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.CloseGrace))
}

// Done is closed when Run has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.finished }

func (p *Pipeline) terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.queue <- item{stop: true}
}

// Run drives the read and write loops until both have exited. Canceling ctx is
// equivalent to Close. Run must be called at most once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}
	defer close(p.finished)

	stopWatch := context.AfterFunc(ctx, p.Close)
	defer stopWatch()

	var g errgroup.Group
	g.Go(p.readLoop)
	g.Go(p.writeLoop)
	err := g.Wait()
	p.log.Debug("pipeline finished", zap.Error(err))
	return err
}

func (p *Pipeline) readLoop() error {
	br := bufio.NewReader(p.conn)
	var err error
	for {
		var payload []byte
		payload, err = frame.Read(br, p.opts.MaxFrameSize)
		if err != nil {
			break
		}
		if p.opts.Observer != nil {
			p.opts.Observer.FrameReceived(len(payload))
		}
		if p.opts.OnReceive != nil {
			p.opts.OnReceive(payload)
		}
	}

	if p.closing.Load() {
		// local shutdown closed the conn under us
		return nil
	}
	if errors.Is(err, io.EOF) {
		p.log.Debug("remote closed connection")
		err = nil
	} else {
		p.log.Debug("read loop ended", zap.Error(err))
		if isClosedConn(err) {
			err = nil
		}
	}
	p.terminate()
	return err
}

func (p *Pipeline) writeLoop() error {
	bw := bufio.NewWriter(p.conn)
	for it := range p.queue {
		if it.stop {
			break
		}
		if err := frame.Write(bw, it.payload); err != nil {
			// closing the conn makes the read loop exit as well
			wasClosing := p.closing.Swap(true)
			_ = p.conn.Close()
			if wasClosing || isClosedConn(err) {
				return nil
			}
			p.log.Debug("write failed, connection closed", zap.Error(err))
			return err
		}
		if p.opts.Observer != nil {
			p.opts.Observer.FrameSent(len(it.payload))
		}
	}
	if err := p.conn.Close(); err != nil && !isClosedConn(err) {
		return err
	}
	return nil
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
