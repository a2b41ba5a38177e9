// Package node assembles a runnable autolink node from configuration.
package node

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"autolink/pkg/chatter"
	"autolink/pkg/codec"
	"autolink/pkg/config"
	"autolink/pkg/connectivity"
	"autolink/pkg/discovery"
	"autolink/pkg/discovery/mdns"
	"autolink/pkg/observability"
	"autolink/pkg/role"
	"autolink/pkg/transport"
	"autolink/pkg/transport/mem"
	"autolink/pkg/transport/tcp"
)

// Options override what would otherwise be built from config.
type Options struct {
	Provider  discovery.Provider
	Transport transport.Transport
	// Registerer receives the node metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Node is one participant: a client, an optional server and the manager
// deciding when they are connected.
type Node struct {
	Instance string
	Client   *role.Client
	Server   *role.Server
	Manager  *connectivity.Manager
	Chatter  *chatter.Chatter
	Metrics  *observability.Metrics

	log *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	instance := InstanceName(cfg)
	log = log.With(zap.String("node", cfg.NodeName))

	prov := opts.Provider
	if prov == nil {
		var err error
		if prov, err = NewProvider(cfg, log); err != nil {
			return nil, err
		}
	}
	tr := opts.Transport
	if tr == nil {
		var err error
		if tr, err = NewByKind(cfg.Transport.Kind); err != nil {
			return nil, err
		}
	}

	var metrics *observability.Metrics
	if opts.Registerer != nil {
		var err error
		if metrics, err = observability.NewMetrics(opts.Registerer); err != nil {
			return nil, fmt.Errorf("node: metrics: %w", err)
		}
	}

	base := role.Config{
		Provider:  prov,
		Transport: tr,
		Service: discovery.Service{
			Instance: instance,
			Type:     cfg.Service.Type,
			Domain:   cfg.Service.Domain,
			Port:     cfg.Service.Port,
			Host:     cfg.Service.Host,
			Text:     []string{"node=" + cfg.NodeName},
		},
		ListenHost:   cfg.Service.Host,
		QueueSize:    cfg.Pipeline.QueueSize,
		MaxFrameSize: cfg.Pipeline.MaxFrameBytes,
		Logger:       log,
	}

	n := &Node{Instance: instance, Metrics: metrics, log: log}

	n.Client = role.NewClient(withObserver(base, metrics, role.ClientName))

	var server role.Role
	if cfg.Roles.Server {
		n.Server = role.NewServer(withObserver(base, metrics, role.ServerName))
		server = n.Server
	}

	mopts := []connectivity.Option{
		connectivity.WithDiscoveryTimeout(cfg.Discovery.Timeout),
		connectivity.WithRandomFactor(cfg.Discovery.RandomFactor),
		connectivity.WithLogger(log.Named("connectivity")),
		connectivity.WithMetrics(metrics),
	}
	if !cfg.Discovery.Randomize {
		mopts = append(mopts, connectivity.WithoutRandomization())
	}
	mgr, err := connectivity.New(n.Client, server, mopts...)
	if err != nil {
		return nil, err
	}
	n.Manager = mgr

	if cfg.Chatter.Enable {
		reg, err := codec.NewRegistry()
		if err != nil {
			return nil, err
		}
		cd, err := reg.Get(cfg.Chatter.Codec)
		if err != nil {
			return nil, err
		}
		n.Chatter = chatter.New(chatter.Options{
			Node:     cfg.NodeName,
			Interval: cfg.Chatter.Interval,
			Codec:    cd,
			Sender:   mgr,
			Logger:   log.Named("chatter"),
		})
		mgr.StateChanged().Subscribe(func(s connectivity.State) { n.Chatter.SetActive(s == connectivity.Connected) })
		mgr.DataReceived().Subscribe(n.Chatter.Receive)
	}
	return n, nil
}

func withObserver(c role.Config, m *observability.Metrics, name string) role.Config {
	if m != nil {
		c.Observer = m.Pipeline(name)
	}
	return c
}

// InstanceName returns the configured instance, or the node name with a
// random suffix so several nodes on one host do not collide.
func InstanceName(cfg *config.Config) string {
	if cfg.Service.Instance != "" {
		return cfg.Service.Instance
	}
	return fmt.Sprintf("%s-%s", cfg.NodeName, strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// NewProvider builds the configured discovery backend.
func NewProvider(cfg *config.Config, log *zap.Logger) (discovery.Provider, error) {
	switch cfg.Discovery.Backend {
	case "mdns":
		return mdns.New(mdns.Options{
			Domain:         cfg.Service.Domain,
			Interfaces:     cfg.Discovery.Interfaces,
			IPv6:           cfg.Discovery.IPv6,
			ResolveTimeout: cfg.Discovery.ResolveTimeout,
			Logger:         log.Named("mdns"),
		})
	default:
		return nil, fmt.Errorf("node: unknown discovery backend %q", cfg.Discovery.Backend)
	}
}

// NewByKind constructs a Transport by string kind.
func NewByKind(kind string) (transport.Transport, error) {
	k, err := transport.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	switch k {
	case transport.KindTCP:
		return tcp.New(), nil
	case transport.KindMem:
		return mem.New(), nil
	default:
		return nil, transport.ErrUnknownKind(kind)
	}
}

// Start begins searching and, when enabled, the heartbeat generator.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.log.Info("starting", zap.String("instance", n.Instance), zap.Duration("discovery_timeout", n.Manager.DiscoveryTimeout()))
	n.Manager.Start(runCtx)
	if n.Chatter != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			_ = n.Chatter.Run(runCtx)
		}()
	}
}

// Stop stops the manager and waits for every role to be torn down. If ctx
// expires first the node stays started, so a later Stop waits for the
// teardown that is still running.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if err := n.Manager.Stop(ctx); err != nil {
		n.log.Warn("stop incomplete", zap.Error(err))
		return err
	}
	cancel()
	n.wg.Wait()

	n.mu.Lock()
	n.cancel = nil
	n.mu.Unlock()
	n.log.Info("stopped")
	return nil
}

func (n *Node) Send(payload []byte) error { return n.Manager.Send(payload) }

func (n *Node) State() connectivity.State { return n.Manager.State() }
