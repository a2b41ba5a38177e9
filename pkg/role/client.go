package role

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"autolink/pkg/discovery"
	"autolink/pkg/events"
	"autolink/pkg/pipeline"
)

// Client browses for a server and keeps at most one outbound connection to
// it. When the connection ends it goes back to browsing unless it is being
// stopped.
type Client struct {
	cfg Config
	log *zap.Logger

	connChanged events.Event[ConnectionCount]
	dataRx      events.Event[[]byte]

	mu           sync.Mutex
	runCtx       context.Context
	cancel       context.CancelFunc
	browseCancel context.CancelFunc
	pipe         *pipeline.Pipeline
	shuttingDown bool
	stopDone     chan struct{}
	wg           sync.WaitGroup

	// held while emitting so counts leave in the order they were changed
	emitMu sync.Mutex
}

var _ Role = (*Client)(nil)

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, log: cfg.logger(ClientName)}
}

func (c *Client) Name() string { return ClientName }

func (c *Client) ConnectionChanged() *events.Event[ConnectionCount] { return &c.connChanged }

func (c *Client) DataReceived() *events.Event[[]byte] { return &c.dataRx }

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	if err := c.startBrowsingLocked(); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	return nil
}

// Stop cancels browsing, terminates the active pipeline and waits for it to
// finish. The count drops to 0 before Stop returns.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	if c.stopDone == nil {
		c.shuttingDown = true
		c.stopBrowsingLocked()
		if c.pipe != nil {
			c.pipe.Close()
		}
		c.cancel()
		done := make(chan struct{})
		c.stopDone = done
		go func() {
			c.wg.Wait()
			c.mu.Lock()
			c.cancel = nil
			c.runCtx = nil
			c.shuttingDown = false
			c.stopDone = nil
			c.mu.Unlock()
			close(done)
		}()
	}
	done := c.stopDone
	c.mu.Unlock()

	if err := wait(ctx, done); err != nil {
		return fmt.Errorf("client: stop: %w", err)
	}
	c.log.Debug("stopped")
	return nil
}

// IsRunning reports whether the client is browsing or connected.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browseCancel != nil || c.pipe != nil
}

// Connected reports whether an outbound connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipe != nil
}

func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	return p.Send(payload)
}

func (c *Client) startBrowsingLocked() error {
	bctx, cancel := context.WithCancel(c.runCtx)
	evs, err := c.cfg.Provider.Browse(bctx, c.cfg.Service.Type)
	if err != nil {
		cancel()
		return fmt.Errorf("client: browse %s: %w", c.cfg.Service.Type, err)
	}
	c.browseCancel = cancel
	c.wg.Add(1)
	go c.browse(bctx, c.runCtx, evs)
	c.log.Debug("browsing", zap.String("type", c.cfg.Service.Type))
	return nil
}

func (c *Client) stopBrowsingLocked() {
	if c.browseCancel != nil {
		c.browseCancel()
		c.browseCancel = nil
	}
}

func (c *Client) browse(ctx, runCtx context.Context, evs <-chan discovery.Event) {
	defer c.wg.Done()
	for ev := range evs {
		if ev.Change != discovery.Added {
			continue
		}
		if c.connect(ctx, runCtx, ev.Name) {
			return
		}
	}
}

// connect reports whether browsing is over, either because a connection was
// established or because the client is shutting down.
func (c *Client) connect(ctx, runCtx context.Context, name string) bool {
	log := c.log.With(zap.String("instance", name))
	ep, err := c.cfg.Provider.Resolve(ctx, c.cfg.Service.Type, name)
	if err != nil {
		log.Debug("resolve failed", zap.Error(err))
		return ctx.Err() != nil
	}
	conn, err := c.cfg.Transport.Dial(ctx, ep.Address())
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			log.Debug("connection refused, still browsing", zap.String("addr", ep.Address()))
		} else {
			log.Debug("dial failed", zap.String("addr", ep.Address()), zap.Error(err))
		}
		return ctx.Err() != nil
	}

	c.mu.Lock()
	if c.shuttingDown || c.pipe != nil || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return true
	}
	p := pipeline.New(conn, c.cfg.pipelineOptions(c.log, c.dataRx.Emit))
	c.pipe = p
	c.stopBrowsingLocked()
	c.wg.Add(1)
	c.emitMu.Lock()
	c.mu.Unlock()
	log.Info("connected", zap.String("addr", ep.Address()))
	c.connChanged.Emit(ConnectionCount{Role: ClientName, Count: 1})
	c.emitMu.Unlock()

	go c.run(runCtx, p)
	return true
}

func (c *Client) run(runCtx context.Context, p *pipeline.Pipeline) {
	defer c.wg.Done()
	if err := p.Run(runCtx); err != nil {
		c.log.Warn("connection ended with error", zap.Error(err))
	} else {
		c.log.Info("connection closed")
	}

	c.mu.Lock()
	c.pipe = nil
	if !c.shuttingDown && runCtx.Err() == nil {
		if err := c.startBrowsingLocked(); err != nil {
			c.log.Error("cannot resume browsing", zap.Error(err))
		}
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	c.connChanged.Emit(ConnectionCount{Role: ClientName, Count: 0})
	c.emitMu.Unlock()
}
