package opcuapv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pvgateway/pkg/pva"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	log "github.com/sirupsen/logrus"
)

type conn struct {
	client   *opcua.Client
	node     *ua.NodeID
	timeout  time.Duration
	interval time.Duration
	logger   log.FieldLogger

	mu     sync.Mutex
	typ    nodeType
	subs   map[*subscription]struct{}
	closed bool
}

func (c *conn) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *conn) read(attrs ...ua.AttributeID) ([]*ua.DataValue, error) {
	ctx, cancel := c.context()
	defer cancel()

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for _, attr := range attrs {
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: c.node, AttributeID: attr})
	}

	resp, err := c.client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.node, err)
	}
	if len(resp.Results) != len(attrs) {
		return nil, fmt.Errorf("read %s: expected %d results, got %d", c.node, len(attrs), len(resp.Results))
	}
	return resp.Results, nil
}

func (c *conn) Get(req pva.Request) (pva.Response, error) {
	results, err := c.read(ua.AttributeIDValue)
	if err != nil {
		return pva.Response{}, err
	}
	dv := results[0]
	if severityOf(dv.Status) == severityInvalid {
		return pva.Response{}, fmt.Errorf("read %s: %w", c.node, dv.Status)
	}
	return responseFrom(dv, req), nil
}

func (c *conn) Put(value any) error {
	c.mu.Lock()
	typ := c.typ
	c.mu.Unlock()

	coerced, err := coerce(value, typ)
	if err != nil {
		return err
	}
	v, err := ua.NewVariant(coerced)
	if err != nil {
		return fmt.Errorf("write %s: %w", c.node, err)
	}

	ctx, cancel := c.context()
	defer cancel()
	resp, err := c.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      c.node,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", c.node, err)
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("write %s failed: empty result", c.node)
	}
	if resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write %s: %w", c.node, resp.Results[0])
	}
	return nil
}

func (c *conn) Introspect() (pva.Introspection, error) {
	results, err := c.read(ua.AttributeIDDataType, ua.AttributeIDValueRank)
	if err != nil {
		return pva.Introspection{}, err
	}
	for _, dv := range results {
		if dv.Status != ua.StatusOK {
			return pva.Introspection{}, fmt.Errorf("introspect %s: %w", c.node, dv.Status)
		}
	}

	dataType, _ := results[0].Value.Value().(*ua.NodeID)
	rank, _ := results[1].Value.Value().(int32)
	typ := nodeTypeFor(dataType, rank)

	c.mu.Lock()
	c.typ = typ
	c.mu.Unlock()

	return pva.Introspection{
		Fields: map[string]pva.TypeCode{
			"value":     typ.field(),
			"alarm":     pva.TypeStructure,
			"timestamp": pva.TypeStructure,
		},
	}, nil
}

func (c *conn) Subscribe(req pva.Request, cb func(pva.Response)) (pva.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection to %s is closed", c.node)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	setupCtx, setupCancel := context.WithTimeout(ctx, c.timeout)
	defer setupCancel()

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := c.client.Subscribe(setupCtx, &opcua.SubscriptionParameters{Interval: c.interval}, notifyCh)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opcua subscribe: %w", err)
	}

	item := opcua.NewMonitoredItemCreateRequestWithDefaults(c.node, ua.AttributeIDValue, 1)
	res, err := sub.Monitor(setupCtx, ua.TimestampsToReturnBoth, item)
	if err == nil && len(res.Results) == 0 {
		err = errors.New("empty result")
	}
	if err == nil && res.Results[0].StatusCode != ua.StatusOK {
		err = res.Results[0].StatusCode
	}
	if err != nil {
		_ = sub.Cancel(setupCtx)
		cancel()
		return nil, fmt.Errorf("monitor %s: %w", c.node, err)
	}

	s := &subscription{conn: c, sub: sub, cancel: cancel, timeout: c.timeout}
	s.wg.Add(1)
	go s.consume(ctx, notifyCh, req, cb)

	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[*subscription]struct{})
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
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

	var err error
	for s := range subs {
		err = errors.Join(err, s.Cancel())
	}
	return err
}

type subscription struct {
	conn    *conn
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	err     error
}

func (s *subscription) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, req pva.Request, cb func(pva.Response)) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				s.conn.logger.Warnf("Notification error: %v", notif.Error)
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range data.MonitoredItems {
				if item.Value == nil {
					continue
				}
				cb(responseFrom(item.Value, req))
			}
		}
	}
}

func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.sub.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.err = err
		}
		s.wg.Wait()

		s.conn.mu.Lock()
		delete(s.conn.subs, s)
		s.conn.mu.Unlock()
	})
	return s.err
}
