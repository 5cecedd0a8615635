// Package gateway exposes configured process variable channels over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pvgateway/pkg/channel"
	"pvgateway/pkg/pva"
	"pvgateway/pkg/workpool"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrDuplicate      = errors.New("channel already exists")
)

// ChannelStatus is the management view of a channel.
type ChannelStatus struct {
	Name    string        `json:"Name"`
	Address string        `json:"Address"`
	Kind    channel.Kind  `json:"Kind"`
	Choices []string      `json:"Choices,omitempty"`
	State   channel.State `json:"State"`
}

// forgetter is implemented by observers that keep per channel series.
type forgetter interface {
	Forget(source string)
}

type Option func(*Gateway)

func WithLogger(logger log.FieldLogger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithPool(p *workpool.Pool) Option {
	return func(g *Gateway) { g.pool = p }
}

func WithObserver(o channel.Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func WithMonitorBuffer(n int) Option {
	return func(g *Gateway) { g.monitorBuffer = n }
}

type entry struct {
	cfg ChannelConfig
	ch  *channel.Channel

	// done is closed once the channel leaves the gateway.
	done chan struct{}
	once sync.Once
}

func newEntry(cfg ChannelConfig, ch *channel.Channel) *entry {
	return &entry{cfg: cfg, ch: ch, done: make(chan struct{})}
}

func (e *entry) close() error {
	e.once.Do(func() { close(e.done) })
	return e.ch.Close()
}

// Gateway owns the set of live channels and keeps the store in step with it.
type Gateway struct {
	registry      *pva.Registry
	store         *Store
	pool          *workpool.Pool
	observer      channel.Observer
	monitorBuffer int
	logger        log.FieldLogger

	mu       sync.RWMutex
	channels map[string]*entry
}

func New(registry *pva.Registry, store *Store, opts ...Option) *Gateway {
	g := Gateway{
		registry: registry,
		store:    store,
		logger:   log.StandardLogger(),
		channels: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(&g)
	}
	g.logger = g.logger.WithField("component", "gateway")
	return &g
}

func (g *Gateway) newChannel(cfg ChannelConfig) (*channel.Channel, error) {
	addr, err := pva.ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	dialer, err := g.registry.Lookup(addr.Scheme)
	if err != nil {
		return nil, err
	}

	opts := []channel.Option{
		channel.WithLogger(g.logger),
		channel.WithChoices(cfg.Choices...),
	}
	if g.pool != nil {
		opts = append(opts, channel.WithPool(g.pool))
	}
	if g.observer != nil {
		opts = append(opts, channel.WithObserver(g.observer))
	}
	if g.monitorBuffer > 0 {
		opts = append(opts, channel.WithMonitorBuffer(g.monitorBuffer))
	}
	return channel.New(cfg.Address, cfg.Kind, dialer, opts...)
}

// Add registers, persists and connects a new channel. A channel whose
// connect fails is kept in the Failed state and can be reconnected.
func (g *Gateway) Add(ctx context.Context, cfg ChannelConfig) (*channel.Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ch, err := g.newChannel(cfg)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if _, ok := g.channels[cfg.Name]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, cfg.Name)
	}
	g.channels[cfg.Name] = newEntry(cfg, ch)
	g.mu.Unlock()

	if err := g.store.PutChannel(cfg); err != nil {
		g.mu.Lock()
		delete(g.channels, cfg.Name)
		g.mu.Unlock()
		return nil, err
	}

	g.logger.Infof("Added channel %s (%s)", cfg.Name, cfg.Address)
	g.connect(ctx, cfg.Name, ch)
	return ch, nil
}

func (g *Gateway) connect(ctx context.Context, name string, ch *channel.Channel) {
	if err := ch.Connect(ctx); err != nil {
		g.logger.Warnf("Channel %s: %v", name, err)
		return
	}
	g.refreshDescriptor(ctx, name, ch)
}

func (g *Gateway) refreshDescriptor(ctx context.Context, name string, ch *channel.Channel) {
	d, err := ch.GetDescriptor(ctx)
	if err != nil {
		g.logger.Warnf("Channel %s: descriptor unavailable: %v", name, err)
		return
	}
	if err := g.store.PutDescriptor(name, d); err != nil {
		g.logger.Errorf("Failed to cache descriptor of %s: %v", name, err)
	}
}

// Restore recreates every channel in the store and connects them
// concurrently. Connect failures are logged, not returned.
func (g *Gateway) Restore(ctx context.Context) error {
	cfgs, err := g.store.Channels()
	if err != nil {
		return err
	}

	type restored struct {
		name string
		ch   *channel.Channel
	}
	var toConnect []restored

	g.mu.Lock()
	for _, cfg := range cfgs {
		if _, ok := g.channels[cfg.Name]; ok {
			continue
		}
		ch, err := g.newChannel(cfg)
		if err != nil {
			g.logger.Errorf("Skipping channel %s: %v", cfg.Name, err)
			continue
		}
		g.channels[cfg.Name] = newEntry(cfg, ch)
		toConnect = append(toConnect, restored{cfg.Name, ch})
	}
	g.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, r := range toConnect {
		eg.Go(func() error {
			g.connect(egCtx, r.name, r.ch)
			return nil
		})
	}
	err = eg.Wait()

	g.logger.Infof("Restored %d channels", len(toConnect))
	return err
}

// Channel returns a live channel by name.
func (g *Gateway) Channel(name string) (*channel.Channel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return e.ch, nil
}

// watch returns a live channel together with a channel that is closed when
// it is removed or the gateway shuts down.
func (g *Gateway) watch(name string) (*channel.Channel, <-chan struct{}, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.channels[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return e.ch, e.done, nil
}

// Reconnect connects a disconnected or failed channel again.
func (g *Gateway) Reconnect(ctx context.Context, name string) error {
	ch, err := g.Channel(name)
	if err != nil {
		return err
	}
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	g.refreshDescriptor(ctx, name, ch)
	return nil
}

// Remove closes a channel and deletes it from the store.
func (g *Gateway) Remove(name string) error {
	g.mu.Lock()
	e, ok := g.channels[name]
	delete(g.channels, name)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}

	err := e.close()
	if f, ok := g.observer.(forgetter); ok {
		f.Forget(e.ch.Source())
	}
	if derr := g.store.DeleteChannel(name); derr != nil && !errors.Is(derr, ErrNotFound) {
		err = errors.Join(err, derr)
	}

	g.logger.Infof("Removed channel %s", name)
	return err
}

// List returns the status of every channel ordered by name.
func (g *Gateway) List() []ChannelStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(g.channels))
	for _, e := range g.channels {
		out = append(out, ChannelStatus{
			Name:    e.cfg.Name,
			Address: e.cfg.Address,
			Kind:    e.cfg.Kind,
			Choices: e.cfg.Choices,
			State:   e.ch.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor describes a channel. Connected channels are asked directly and
// refresh the cache; otherwise the cached descriptor is returned.
func (g *Gateway) Descriptor(ctx context.Context, name string) (channel.Descriptor, error) {
	ch, err := g.Channel(name)
	if err != nil {
		return channel.Descriptor{}, err
	}

	if ch.State() == channel.StateConnected {
		d, err := ch.GetDescriptor(ctx)
		if err != nil {
			return channel.Descriptor{}, err
		}
		if err := g.store.PutDescriptor(name, d); err != nil {
			g.logger.Errorf("Failed to cache descriptor of %s: %v", name, err)
		}
		return d, nil
	}

	d, err := g.store.GetDescriptor(name)
	if err != nil {
		return channel.Descriptor{}, fmt.Errorf("%w: %s is %s and no descriptor is cached",
			channel.ErrNotConnected, ch.Source(), ch.State())
	}
	return d, nil
}

// Close closes every channel. The store keeps their definitions.
func (g *Gateway) Close() error {
	g.mu.Lock()
	entries := make([]*entry, 0, len(g.channels))
	for _, e := range g.channels {
		entries = append(entries, e)
	}
	g.channels = make(map[string]*entry)
	g.mu.Unlock()

	var err error
	for _, e := range entries {
		if cerr := e.close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
