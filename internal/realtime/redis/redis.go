// Package redis implements the ephemeral service on Redis. Each parent path is
// a hash, changes are announced on a pub/sub channel per parent, and every
// connection keeps a lease key alive by heartbeat. Armed disconnect removals
// are recorded next to the node and executed by any reader once the owner's
// lease has expired, or by the owner itself on Close.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jun/gophboard/internal/realtime"
)

// Options tunes a connection.
type Options struct {
	Prefix          string
	LeaseTTL        time.Duration
	RefreshInterval time.Duration
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "rt:"
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = o.LeaseTTL / 3
	}
}

// removeIfOwner deletes a node and its hook when the hook belongs to ARGV[2].
var removeIfOwner = goredis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) == ARGV[2] then
  redis.call('HDEL', KEYS[2], ARGV[1])
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// disarm deletes a hook when it still belongs to ARGV[2].
var disarm = goredis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// Conn is one client connection.
type Conn struct {
	rdb  goredis.UniversalClient
	opts Options
	id   string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	armed    map[string]uint64
	armSeq   uint64
	watchers []func()
}

var _ realtime.Store = (*Conn)(nil)

// Connect registers a new connection lease and starts its heartbeat.
func Connect(ctx context.Context, rdb goredis.UniversalClient, opts Options) (*Conn, error) {
	opts.defaults()
	c := &Conn{
		rdb:   rdb,
		opts:  opts,
		id:    uuid.NewString(),
		armed: make(map[string]uint64),
	}
	if err := c.refreshLease(ctx); err != nil {
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.heartbeat(hbCtx)

	glog.V(1).Infof("realtime: connection %s opened", c.id)
	return c, nil
}

// ID returns the connection id that owns armed removals.
func (c *Conn) ID() string { return c.id }

func (c *Conn) nodeKey(parent string) string { return c.opts.Prefix + "node:" + parent }
func (c *Conn) hookKey(parent string) string { return c.opts.Prefix + "hook:" + parent }
func (c *Conn) channel(parent string) string { return c.opts.Prefix + "chg:" + parent }
func (c *Conn) leaseKey(owner string) string { return c.opts.Prefix + "lease:" + owner }

func (c *Conn) refreshLease(ctx context.Context) error {
	if err := c.rdb.Set(ctx, c.leaseKey(c.id), "1", c.opts.LeaseTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	return nil
}

func (c *Conn) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refreshLease(ctx); err != nil && ctx.Err() == nil {
				glog.Warningf("realtime: %v", err)
			}
		}
	}
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	return nil
}

// Set implements realtime.Store.
func (c *Conn) Set(ctx context.Context, p string, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	parent, child, err := realtime.Split(p)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, c.nodeKey(parent), child, value)
		pipe.Publish(ctx, c.channel(parent), child)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", p, err)
	}
	return nil
}

// Remove implements realtime.Store.
func (c *Conn) Remove(ctx context.Context, p string) error {
	if err := c.check(); err != nil {
		return err
	}
	parent, child, err := realtime.Split(p)
	if err != nil {
		return err
	}
	n, err := c.rdb.HDel(ctx, c.nodeKey(parent), child).Result()
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	if n > 0 {
		c.announce(ctx, parent, child)
	}
	return nil
}

func (c *Conn) announce(ctx context.Context, parent, child string) {
	if err := c.rdb.Publish(ctx, c.channel(parent), child).Err(); err != nil {
		glog.Warningf("realtime: publish change of %s/%s: %v", parent, child, err)
	}
}

// OnDisconnectRemove implements realtime.Store.
func (c *Conn) OnDisconnectRemove(ctx context.Context, p string) (func(), error) {
	parent, child, err := realtime.Split(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	c.armSeq++
	seq := c.armSeq
	c.armed[p] = seq
	c.mu.Unlock()

	if err := c.rdb.HSet(ctx, c.hookKey(parent), child, c.id).Err(); err != nil {
		c.mu.Lock()
		if c.armed[p] == seq {
			delete(c.armed, p)
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to arm removal of %s: %w", p, err)
	}

	return sync.OnceFunc(func() {
		c.mu.Lock()
		current := c.armed[p] == seq
		if current {
			delete(c.armed, p)
		}
		c.mu.Unlock()
		if !current {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := disarm.Run(ctx, c.rdb, []string{c.hookKey(parent)}, child, c.id).Err(); err != nil {
			glog.Warningf("realtime: disarm %s: %v", p, err)
		}
	}), nil
}

// Sweep removes nodes under parent whose armed owner no longer holds a lease.
// Watchers sweep when they start and on every refresh tick.
func (c *Conn) Sweep(ctx context.Context, parent string) (int, error) {
	hooks, err := c.rdb.HGetAll(ctx, c.hookKey(parent)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read hooks of %s: %w", parent, err)
	}
	alive := map[string]bool{c.id: true}
	removed := 0
	for child, owner := range hooks {
		live, ok := alive[owner]
		if !ok {
			n, err := c.rdb.Exists(ctx, c.leaseKey(owner)).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to check lease %s: %w", owner, err)
			}
			live = n > 0
			alive[owner] = live
		}
		if live {
			continue
		}
		n, err := removeIfOwner.Run(ctx, c.rdb, []string{c.nodeKey(parent), c.hookKey(parent)}, child, owner).Int()
		if err != nil {
			return removed, fmt.Errorf("failed to reap %s/%s: %w", parent, child, err)
		}
		if n > 0 {
			glog.V(1).Infof("realtime: reaped %s/%s of expired connection %s", parent, child, owner)
			removed++
		}
	}
	if removed > 0 {
		c.announce(ctx, parent, "")
	}
	return removed, nil
}

func (c *Conn) children(ctx context.Context, parent string) (realtime.Children, error) {
	raw, err := c.rdb.HGetAll(ctx, c.nodeKey(parent)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", parent, err)
	}
	out := make(realtime.Children, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

// WatchChildren implements realtime.Store.
func (c *Conn) WatchChildren(ctx context.Context, parent string, onChange func(realtime.Children), onError func(error)) (func(), error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	ps := c.rdb.Subscribe(ctx, c.channel(parent))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", parent, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	stop := sync.OnceFunc(cancel)

	c.mu.Lock()
	c.watchers = append(c.watchers, stop)
	c.mu.Unlock()

	go c.watch(wctx, ps, parent, onChange, onError)
	return stop, nil
}

func (c *Conn) watch(ctx context.Context, ps *goredis.PubSub, parent string, onChange func(realtime.Children), onError func(error)) {
	defer ps.Close()
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	fail := func(err error) {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		glog.Warningf("realtime: watch %s: %v", parent, err)
		if onError != nil {
			onError(err)
		}
	}
	refresh := func(sweep bool) {
		if sweep {
			if _, err := c.Sweep(ctx, parent); err != nil {
				fail(err)
			}
		}
		kids, err := c.children(ctx, parent)
		if err != nil {
			fail(err)
			return
		}
		if ctx.Err() == nil {
			onChange(kids)
		}
	}

	refresh(true)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			refresh(false)
		case <-ticker.C:
			refresh(true)
		}
	}
}

// Close stops the heartbeat, runs this connection's armed removals, releases
// its lease and ends its watches.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	armed := c.armed
	c.armed = nil
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for p := range armed {
		parent, child, _ := realtime.Split(p)
		n, err := removeIfOwner.Run(ctx, c.rdb, []string{c.nodeKey(parent), c.hookKey(parent)}, child, c.id).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("disconnect removal of %s: %w", p, err))
			continue
		}
		if n > 0 {
			c.announce(ctx, parent, child)
		}
	}
	if err := c.rdb.Del(ctx, c.leaseKey(c.id)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("release lease: %w", err))
	}
	for _, stop := range watchers {
		stop()
	}
	glog.V(1).Infof("realtime: connection %s closed", c.id)
	return errors.Join(errs...)
}
