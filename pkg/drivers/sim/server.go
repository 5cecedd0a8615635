// Package sim serves process variables from memory. It implements the
// pva.Dialer contract for the "sim" address scheme and is used for tests and
// demonstrations without a control network.
package sim

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"pvgateway/pkg/pva"

	log "github.com/sirupsen/logrus"
)

const Scheme = "sim"

var (
	ErrNoSuchPV = errors.New("no such process variable")
	ErrClosed   = errors.New("connection closed")
)

const notifyBuffer = 1024

// PVConfig declares a simulated process variable.
type PVConfig struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Value   any      `yaml:"value"`
	Choices []string `yaml:"choices"`
}

type record struct {
	typ      pva.TypeCode
	choices  []string
	value    any
	severity int
	stamp    time.Time
	putErr   error
	subs     map[int]func(pva.Response)
}

func (r *record) response(req pva.Request) pva.Response {
	if req == pva.RequestValue {
		return pva.Response{Value: r.value}
	}
	return pva.Response{
		Value:     r.value,
		Severity:  r.severity,
		Timestamp: float64(r.stamp.Unix()) + float64(r.stamp.Nanosecond())/1e9,
	}
}

type Option func(*Server)

// WithOpenDelay makes every Open block for d before it returns.
func WithOpenDelay(d time.Duration) Option {
	return func(s *Server) { s.openDelay = d }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server holds the simulated process variables. Monitor callbacks are
// invoked from a single dispatch goroutine owned by the server.
type Server struct {
	logger    log.FieldLogger
	openDelay time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pvs     map[string]*record
	nextSub int

	notify    chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

func NewServer(logger log.FieldLogger, opts ...Option) *Server {
	s := Server{
		logger: logger.WithField("component", "sim"),
		now:    time.Now,
		pvs:    make(map[string]*record),
		notify: make(chan func(), notifyBuffer),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s)
	}

	go s.dispatch()
	return &s
}

func (s *Server) dispatch() {
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.notify:
			fn()
		}
	}
}

// Close stops monitor delivery.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.logger.Info("Closing simulator")
	})
}

// Add declares a process variable. Choices turn it into an enumeration whose
// wire value is the choice index.
func (s *Server) Add(name string, typ pva.TypeCode, value any, choices ...string) error {
	if name == "" {
		return fmt.Errorf("process variable name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pvs[name]; ok {
		return fmt.Errorf("process variable %s already exists", name)
	}
	if len(choices) > 0 {
		typ = pva.TypeStructure
	}
	s.pvs[name] = &record{
		typ:     typ,
		choices: slices.Clone(choices),
		value:   value,
		stamp:   s.now(),
		subs:    make(map[int]func(pva.Response)),
	}
	s.logger.Debugf("Added %s (%s) = %v", name, typ, value)
	return nil
}

// AddConfig declares every process variable in cfgs.
func (s *Server) AddConfig(cfgs []PVConfig) error {
	for _, cfg := range cfgs {
		typ := pva.TypeDouble
		if cfg.Type != "" {
			var err error
			if typ, err = pva.ParseTypeCode(cfg.Type); err != nil {
				return fmt.Errorf("process variable %s: %w", cfg.Name, err)
			}
		}
		if err := s.Add(cfg.Name, typ, cfg.Value, cfg.Choices...); err != nil {
			return err
		}
	}
	return nil
}

// Set changes a value and alarm severity as if the device had done it, and
// notifies monitors.
func (s *Server) Set(name string, value any, severity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.pvs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchPV, name)
	}
	r.value = value
	r.severity = severity
	r.stamp = s.now()
	s.publishLocked(r)
	return nil
}

// FailPuts makes subsequent writes to name return err. A nil err restores
// normal behaviour.
func (s *Server) FailPuts(name string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.pvs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchPV, name)
	}
	r.putErr = err
	return nil
}

// Value returns the current value of name.
func (s *Server) Value(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.pvs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPV, name)
	}
	return r.value, nil
}

func (s *Server) publishLocked(r *record) {
	resp := r.response(pva.RequestValueAlarmTimestamp)
	for _, cb := range r.subs {
		select {
		case s.notify <- func() { cb(resp) }:
		case <-s.closed:
			return
		default:
			s.logger.Warn("Notification queue full, dropping update")
		}
	}
}

// Open implements pva.Dialer.
func (s *Server) Open(name string) (pva.Conn, error) {
	if s.openDelay > 0 {
		time.Sleep(s.openDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pvs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPV, name)
	}
	return &conn{server: s, name: name}, nil
}

type conn struct {
	server *Server
	name   string

	mu     sync.Mutex
	closed bool
	subs   []int
}

func (c *conn) record() (*record, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	r, ok := c.server.pvs[c.name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPV, c.name)
	}
	return r, nil
}

func (c *conn) Get(req pva.Request) (pva.Response, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	r, err := c.record()
	if err != nil {
		return pva.Response{}, err
	}
	return r.response(req), nil
}

func (c *conn) Put(value any) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	r, err := c.record()
	if err != nil {
		return err
	}
	if r.putErr != nil {
		return r.putErr
	}
	r.value = value
	r.stamp = c.server.now()
	c.server.publishLocked(r)
	return nil
}

func (c *conn) Introspect() (pva.Introspection, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	r, err := c.record()
	if err != nil {
		return pva.Introspection{}, err
	}
	return pva.Introspection{
		Fields: map[string]pva.TypeCode{
			"value":     r.typ,
			"alarm":     pva.TypeStructure,
			"timestamp": pva.TypeStructure,
		},
		Choices: slices.Clone(r.choices),
	}, nil
}

func (c *conn) Subscribe(req pva.Request, cb func(pva.Response)) (pva.Subscription, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	r, err := c.record()
	if err != nil {
		return nil, err
	}

	c.server.nextSub++
	id := c.server.nextSub
	r.subs[id] = func(resp pva.Response) {
		if req == pva.RequestValue {
			resp = pva.Response{Value: resp.Value}
		}
		cb(resp)
	}

	c.mu.Lock()
	c.subs = append(c.subs, id)
	c.mu.Unlock()

	return &subscription{conn: c, id: id}, nil
}

func (c *conn) unsubscribe(id int) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if r, ok := c.server.pvs[c.name]; ok {
		delete(r.subs, id)
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, id := range subs {
		c.unsubscribe(id)
	}
	return nil
}

type subscription struct {
	conn *conn
	id   int
	once sync.Once
}

func (s *subscription) Cancel() error {
	s.once.Do(func() { s.conn.unsubscribe(s.id) })
	return nil
}
