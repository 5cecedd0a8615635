// Package channel adapts a single process variable, reached through a
// blocking protocol client, into a connection managed value that can be
// read, written, introspected and monitored from context aware callers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pvgateway/pkg/pva"
	"pvgateway/pkg/workpool"

	log "github.com/sirupsen/logrus"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateDisconnected; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state: %q", text)
}

const defaultMonitorBuffer = 64

type Option func(*Channel)

func WithLogger(logger log.FieldLogger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithPool sets the pool blocking protocol calls are offloaded to.
// Channels share workpool.Default() otherwise.
func WithPool(p *workpool.Pool) Option {
	return func(c *Channel) { c.pool = p }
}

func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// WithConverter overrides the converter selected from the channel kind.
func WithConverter(conv Converter) Option {
	return func(c *Channel) { c.converter = conv }
}

// WithChoices sets the symbols expected by an enum channel.
func WithChoices(choices ...string) Option {
	return func(c *Channel) { c.choices = choices }
}

// WithMonitorBuffer sets how many undelivered events a monitor holds before
// it starts dropping.
func WithMonitorBuffer(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.monitorBuffer = n
		}
	}
}

// Channel owns the connection to one process variable. The protocol handle
// is only used while the channel is connected and is closed by Close.
type Channel struct {
	addr          pva.Address
	kind          Kind
	dialer        pva.Dialer
	converter     Converter
	choices       []string
	pool          *workpool.Pool
	observer      Observer
	logger        log.FieldLogger
	monitorBuffer int

	mu       sync.Mutex
	state    State
	conn     pva.Conn
	monitors map[*Monitor]struct{}
}

// New creates a disconnected channel for address ("<scheme>://<name>").
// The dialer is used with the name part of the address.
func New(address string, kind Kind, dialer pva.Dialer, opts ...Option) (*Channel, error) {
	addr, err := pva.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("no dialer for %s", addr)
	}

	c := Channel{
		addr:          addr,
		kind:          kind,
		dialer:        dialer,
		observer:      nopObserver{},
		logger:        log.StandardLogger(),
		monitorBuffer: defaultMonitorBuffer,
		state:         StateDisconnected,
		monitors:      make(map[*Monitor]struct{}),
	}
	for _, opt := range opts {
		opt(&c)
	}

	if c.pool == nil {
		c.pool = workpool.Default()
	}
	if c.converter == nil {
		c.converter = NewConverter(kind, c.choices...)
	}
	c.logger = c.logger.WithField("channel", addr.String())

	return &c, nil
}

// Source returns the fully qualified address.
func (c *Channel) Source() string {
	return c.addr.String()
}

func (c *Channel) Kind() Kind {
	return c.kind
}

// Converter returns the converter in use.
func (c *Channel) Converter() Converter {
	return c.converter
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.observer.ObserveState(c.Source(), s)
}

// Connect opens the protocol handle and validates the converter against the
// remote channel. Any failure, including cancellation of ctx, leaves the
// channel Failed and returns a *NotConnectedError.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, c.Source(), state)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.logger.Debug("Connecting")
	start := time.Now()

	err := c.connect(ctx)
	c.observer.ObserveOperation(c.Source(), OpConnect, time.Since(start), err)
	if err != nil {
		c.logger.Errorf("Connect failed: %v", err)
		return err
	}

	c.logger.Info("Connected")
	return nil
}

func (c *Channel) connect(ctx context.Context) error {
	conn, err := c.open(ctx)
	if err == nil {
		err = c.converter.Validate(ctx, c.introspector(conn))
		if err == nil {
			// The open or the validation may have won a race against
			// cancellation; a cancelled connect never ends Connected.
			err = ctx.Err()
		}
		if err != nil {
			c.closeConn(conn)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil && c.state != StateConnecting {
		// Close was called while connecting.
		c.closeConn(conn)
		err = fmt.Errorf("channel closed while connecting")
	}
	if err != nil {
		if c.state == StateConnecting {
			c.setStateLocked(StateFailed)
		}
		return &NotConnectedError{Source: c.Source(), Err: err}
	}

	c.conn = conn
	c.setStateLocked(StateConnected)
	return nil
}

// open runs the blocking dial on the pool. If ctx ends first, the handle
// that eventually arrives is closed in the background.
func (c *Channel) open(ctx context.Context) (pva.Conn, error) {
	f := workpool.Submit(ctx, c.pool, func() (pva.Conn, error) {
		return c.dialer.Open(c.addr.Name)
	})

	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		go func() {
			<-f.Done()
			if conn, err := f.Result(); err == nil && conn != nil {
				c.closeConn(conn)
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Channel) introspector(conn pva.Conn) IntrospectFunc {
	return func(ctx context.Context) (pva.Introspection, error) {
		return workpool.Run(ctx, c.pool, conn.Introspect)
	}
}

func (c *Channel) closeConn(conn pva.Conn) {
	if err := conn.Close(); err != nil {
		c.logger.Warnf("Failed to close protocol handle: %v", err)
	}
}

// connected returns the protocol handle, or an error if the channel is not
// connected.
func (c *Channel) connected() (pva.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, c.Source(), c.state)
	}
	return c.conn, nil
}

// GetValue fetches the value field and converts it.
func (c *Channel) GetValue(ctx context.Context) (any, error) {
	start := time.Now()
	value, err := c.getValue(ctx)
	c.observer.ObserveOperation(c.Source(), OpGetValue, time.Since(start), err)
	return value, err
}

func (c *Channel) getValue(ctx context.Context) (any, error) {
	conn, err := c.connected()
	if err != nil {
		return nil, err
	}

	resp, err := workpool.Run(ctx, c.pool, func() (pva.Response, error) {
		return conn.Get(pva.RequestValue)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.Source(), err)
	}

	return c.converter.FromWire(resp.Value)
}

// GetReading fetches value, alarm and timestamp.
func (c *Channel) GetReading(ctx context.Context) (Reading, error) {
	start := time.Now()
	reading, err := c.getReading(ctx)
	c.observer.ObserveOperation(c.Source(), OpGetReading, time.Since(start), err)
	return reading, err
}

func (c *Channel) getReading(ctx context.Context) (Reading, error) {
	conn, err := c.connected()
	if err != nil {
		return Reading{}, err
	}

	resp, err := workpool.Run(ctx, c.pool, func() (pva.Response, error) {
		return conn.Get(pva.RequestValueAlarmTimestamp)
	})
	if err != nil {
		return Reading{}, fmt.Errorf("get reading %s: %w", c.Source(), err)
	}

	reading, _, err := BuildReading(resp, c.converter)
	return reading, err
}

// GetDescriptor introspects the channel and samples its value.
func (c *Channel) GetDescriptor(ctx context.Context) (Descriptor, error) {
	start := time.Now()
	desc, err := c.getDescriptor(ctx)
	c.observer.ObserveOperation(c.Source(), OpDescriptor, time.Since(start), err)
	return desc, err
}

type introspection struct {
	desc   pva.Introspection
	sample pva.Response
}

func (c *Channel) getDescriptor(ctx context.Context) (Descriptor, error) {
	conn, err := c.connected()
	if err != nil {
		return Descriptor{}, err
	}

	res, err := workpool.Run(ctx, c.pool, func() (introspection, error) {
		desc, err := conn.Introspect()
		if err != nil {
			return introspection{}, err
		}
		sample, err := conn.Get(pva.RequestValue)
		if err != nil {
			return introspection{}, err
		}
		return introspection{desc: desc, sample: sample}, nil
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("introspect %s: %w", c.Source(), err)
	}

	return BuildDescriptor(c.Source(), res.desc, res.sample)
}

// Put writes value. With wait the call returns once the write has completed
// and reports its error. Without wait it returns as soon as the write is
// scheduled; a failure after that point is only logged and reported to the
// observer.
func (c *Channel) Put(ctx context.Context, value any, wait bool) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}

	wire, err := c.converter.ToWire(value)
	if err != nil {
		return fmt.Errorf("put %s: %w", c.Source(), err)
	}

	if !wait {
		c.pool.Go(func() {
			start := time.Now()
			err := conn.Put(wire)
			c.observer.ObserveOperation(c.Source(), OpPutAsync, time.Since(start), err)
			if err != nil {
				c.logger.Warnf("Put of %v without wait failed: %v", value, err)
			}
		})
		return nil
	}

	start := time.Now()
	_, err = workpool.Run(ctx, c.pool, func() (struct{}, error) {
		return struct{}{}, conn.Put(wire)
	})
	c.observer.ObserveOperation(c.Source(), OpPut, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("put %s: %w", c.Source(), err)
	}

	c.logger.Debugf("Put %v", value)
	return nil
}

// Monitor subscribes to value, alarm and timestamp updates. Every update is
// delivered to cb as a Reading and the bare value, in arrival order, on a
// goroutine owned by the monitor.
func (c *Channel) Monitor(cb func(Reading, any)) (*Monitor, error) {
	if cb == nil {
		return nil, errors.New("monitor callback is nil")
	}

	conn, err := c.connected()
	if err != nil {
		return nil, err
	}

	m := newMonitor(c, cb)
	sub, err := conn.Subscribe(pva.RequestValueAlarmTimestamp, m.push)
	if err != nil {
		m.stop()
		return nil, fmt.Errorf("monitor %s: %w", c.Source(), err)
	}
	m.sub = sub

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		m.Cancel()
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, c.Source(), state)
	}
	c.monitors[m] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("Monitor started")
	return m, nil
}

func (c *Channel) forget(m *Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitors, m)
}

// Close cancels every monitor and releases the protocol handle. The channel
// ends Disconnected and may be connected again.
func (c *Channel) Close() error {
	c.mu.Lock()
	monitors := make([]*Monitor, 0, len(c.monitors))
	for m := range c.monitors {
		monitors = append(monitors, m)
	}
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	var err error
	for _, m := range monitors {
		if e := m.Cancel(); e != nil {
			err = errors.Join(err, e)
		}
	}
	if conn != nil {
		if e := conn.Close(); e != nil {
			err = errors.Join(err, e)
		}
	}

	if prev == StateConnected {
		c.logger.Info("Disconnected")
	}
	return err
}
