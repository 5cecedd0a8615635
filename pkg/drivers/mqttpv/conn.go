package mqttpv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pvgateway/pkg/pva"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// stateMsg is the retained state published for a process variable.
type stateMsg struct {
	Value     any     `json:"value"`
	Severity  int     `json:"severity"`
	Timestamp float64 `json:"timestamp"`
}

// infoMsg is the retained type description of a process variable.
type infoMsg struct {
	Type    string   `json:"type"`
	Choices []string `json:"choices,omitempty"`
}

type putMsg struct {
	Value any `json:"value"`
}

func parseState(payload []byte) (pva.Response, error) {
	var msg stateMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return pva.Response{}, fmt.Errorf("failed to unmarshal state message: %v", err)
	}
	return pva.Response{Value: msg.Value, Severity: msg.Severity, Timestamp: msg.Timestamp}, nil
}

func parseInfo(payload []byte) (pva.Introspection, error) {
	var msg infoMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return pva.Introspection{}, fmt.Errorf("failed to unmarshal info message: %v", err)
	}

	typ, err := pva.ParseTypeCode(msg.Type)
	if err != nil {
		return pva.Introspection{}, err
	}
	return pva.Introspection{
		Fields: map[string]pva.TypeCode{
			"value":     typ,
			"alarm":     pva.TypeStructure,
			"timestamp": pva.TypeStructure,
		},
		Choices: msg.Choices,
	}, nil
}

type conn struct {
	client  mqtt.Client
	router  *router
	topics  topics
	timeout time.Duration
	logger  log.FieldLogger

	mu        sync.Mutex
	state     pva.Response
	hasState  chan struct{}
	info      pva.Introspection
	hasInfo   chan struct{}
	subs      map[int]func(pva.Response)
	nextSub   int
	leaves    []func() error
	closed    bool
}

func newConn(client mqtt.Client, rt *router, t topics, timeout time.Duration, logger log.FieldLogger) *conn {
	return &conn{
		client:   client,
		router:   rt,
		topics:   t,
		timeout:  timeout,
		logger:   logger,
		hasState: make(chan struct{}),
		hasInfo:  make(chan struct{}),
		subs:     make(map[int]func(pva.Response)),
	}
}

func (c *conn) subscribe(topic string, handler mqtt.MessageHandler) error {
	leave, err := c.router.join(topic, handler)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.leaves = append(c.leaves, leave)
	c.mu.Unlock()
	return nil
}

// stateHandler runs on the paho goroutine.
func (c *conn) stateHandler(_ mqtt.Client, msg mqtt.Message) {
	resp, err := parseState(msg.Payload())
	if err != nil {
		c.logger.Errorf("Bad state on %s: %v", msg.Topic(), err)
		return
	}

	c.mu.Lock()
	first := !c.hasStateLocked()
	c.state = resp
	if first {
		close(c.hasState)
	}
	subs := make([]func(pva.Response), 0, len(c.subs))
	for _, cb := range c.subs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()

	for _, cb := range subs {
		cb(resp)
	}
}

func (c *conn) infoHandler(_ mqtt.Client, msg mqtt.Message) {
	in, err := parseInfo(msg.Payload())
	if err != nil {
		c.logger.Errorf("Bad info on %s: %v", msg.Topic(), err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = in
	select {
	case <-c.hasInfo:
	default:
		close(c.hasInfo)
	}
}

func (c *conn) hasStateLocked() bool {
	select {
	case <-c.hasState:
		return true
	default:
		return false
	}
}

func (c *conn) wait(ready <-chan struct{}, what string) error {
	select {
	case <-ready:
		return nil
	case <-time.After(c.timeout):
		return fmt.Errorf("%s of %s: %w", what, c.topics.state, ErrTimeout)
	}
}

func (c *conn) Get(req pva.Request) (pva.Response, error) {
	if err := c.wait(c.hasState, "state"); err != nil {
		return pva.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if req == pva.RequestValue {
		return pva.Response{Value: c.state.Value}, nil
	}
	return c.state, nil
}

func (c *conn) Put(value any) error {
	payload, err := json.Marshal(putMsg{Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal put: %v", err)
	}

	token := c.client.Publish(c.topics.put, 1, false, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish %s: %w", c.topics.put, ErrTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish put: %v", token.Error())
	}
	c.logger.Debugf("Published %s", payload)
	return nil
}

func (c *conn) Introspect() (pva.Introspection, error) {
	if err := c.wait(c.hasInfo, "type"); err != nil {
		return pva.Introspection{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, nil
}

func (c *conn) Subscribe(req pva.Request, cb func(pva.Response)) (pva.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection to %s is closed", c.topics.state)
	}

	c.nextSub++
	id := c.nextSub
	c.subs[id] = func(resp pva.Response) {
		if req == pva.RequestValue {
			resp = pva.Response{Value: resp.Value}
		}
		cb(resp)
	}
	return &subscription{conn: c, id: id}, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[int]func(pva.Response))
	leaves := c.leaves
	c.leaves = nil
	c.mu.Unlock()

	var errs []error
	for _, leave := range leaves {
		if err := leave(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	conn *conn
	id   int
}

func (s *subscription) Cancel() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s.id)
	return nil
}
