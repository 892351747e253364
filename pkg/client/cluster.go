package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/arraystore/internal/logging"
	"github.com/cachemir/arraystore/pkg/array"
	"github.com/cachemir/arraystore/pkg/config"
	"github.com/cachemir/arraystore/pkg/hash"
)

// Cluster spreads keys over several servers. Each key is placed by a
// consistent hash ring and every server gets its own single-connection
// Client, so a key always travels over the same connection.
//
// Example:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Nodes = []string{"10.0.0.1:6379", "10.0.0.2:6379"}
//	cl, err := client.NewCluster(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cl.Close()
//	ok, err := cl.Put(ctx, "weights", a)
type Cluster struct {
	cfg    *config.ClientConfig
	opts   []Option
	logger *zap.Logger
	ring   *hash.Ring

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewCluster creates a cluster over cfg.Nodes, or over cfg.Address when
// Nodes is empty. opts are applied to every per-node Client.
func NewCluster(cfg *config.ClientConfig, opts ...Option) (*Cluster, error) {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes := cfg.Nodes
	if len(nodes) == 0 {
		nodes = []string{cfg.Address}
	}

	cl := &Cluster{
		cfg:     cfg,
		opts:    opts,
		logger:  zap.NewNop(),
		ring:    hash.New(cfg.VirtualNodes),
		clients: make(map[string]*Client),
	}
	// Pick up WithLogger for the cluster's own messages.
	probe := &Client{logger: cl.logger}
	for _, opt := range opts {
		opt(probe)
	}
	cl.logger = logging.OrNop(probe.logger)

	for _, node := range nodes {
		if err := cl.AddNode(node); err != nil {
			return nil, err
		}
	}
	return cl, nil
}

// AddNode adds a server. Keys whose ring position now falls to it move
// there; the data already stored elsewhere is not migrated.
func (cl *Cluster) AddNode(address string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return ErrClosed
	}
	if _, ok := cl.clients[address]; ok {
		return nil
	}
	cfg := *cl.cfg
	cfg.Address = address
	cfg.Nodes = nil
	c, err := NewWithConfig(&cfg, cl.opts...)
	if err != nil {
		return err
	}
	cl.clients[address] = c
	cl.ring.Add(address)
	stats := cl.ring.Stats()
	cl.logger.Info("node added",
		zap.String("node", address),
		zap.Int("nodes", stats.Nodes),
		zap.Int("positions", stats.Positions),
	)
	return nil
}

// RemoveNode takes a server out of rotation and closes its connection.
func (cl *Cluster) RemoveNode(address string) error {
	cl.mu.Lock()
	c, ok := cl.clients[address]
	if ok {
		delete(cl.clients, address)
		cl.ring.Remove(address)
	}
	cl.mu.Unlock()

	if !ok {
		return nil
	}
	cl.logger.Info("node removed", zap.String("node", address))
	return c.Close()
}

// Nodes returns the server addresses in sorted order.
func (cl *Cluster) Nodes() []string {
	return cl.ring.Nodes()
}

// Stats describes the hash ring.
func (cl *Cluster) Stats() hash.Stats {
	return cl.ring.Stats()
}

// ClientFor returns the Client that owns key.
func (cl *Cluster) ClientFor(key string) (*Client, error) {
	if key == "" {
		return nil, invalidArgument("empty key")
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	if cl.closed {
		return nil, ErrClosed
	}
	node, ok := cl.ring.Locate(key)
	if !ok {
		return nil, ErrNoNodes
	}
	return cl.clients[node], nil
}

// Put stores a on the node that owns key. See Client.Put.
func (cl *Cluster) Put(ctx context.Context, key string, a *array.Array) (bool, error) {
	c, err := cl.ClientFor(key)
	if err != nil {
		return false, err
	}
	return c.Put(ctx, key, a)
}

// Get fetches key from the node that owns it. See Client.Get.
func (cl *Cluster) Get(ctx context.Context, key string) (*array.Array, error) {
	c, err := cl.ClientFor(key)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, key)
}

// Delete removes key from the node that owns it.
func (cl *Cluster) Delete(ctx context.Context, key string) (bool, error) {
	c, err := cl.ClientFor(key)
	if err != nil {
		return false, err
	}
	return c.Delete(ctx, key)
}

// Ping pings every node concurrently and returns the first failure.
func (cl *Cluster) Ping(ctx context.Context) error {
	clients, err := cl.snapshot()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			return c.Ping(ctx)
		})
	}
	return g.Wait()
}

// Close closes every per-node client. It is idempotent.
func (cl *Cluster) Close() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	clients := make([]*Client, 0, len(cl.clients))
	for _, c := range cl.clients {
		clients = append(clients, c)
	}
	cl.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if err := c.Close(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (cl *Cluster) snapshot() ([]*Client, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	if cl.closed {
		return nil, ErrClosed
	}
	if len(cl.clients) == 0 {
		return nil, ErrNoNodes
	}
	out := make([]*Client, 0, len(cl.clients))
	for _, c := range cl.clients {
		out = append(out, c)
	}
	return out, nil
}
