package mqttpv

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// router shares one broker subscription per topic between every conn of a
// Dialer. paho keeps a single handler per topic, so conns never subscribe
// on their own.
type router struct {
	client  mqtt.Client
	timeout time.Duration

	// subMu orders Subscribe and Unsubscribe calls to the broker.
	subMu  sync.Mutex
	mu     sync.Mutex
	routes map[string]*route
	nextID int
}

type route struct {
	handlers map[int]mqtt.MessageHandler
	// last is replayed to late joiners, as the broker only sends the
	// retained message on the first subscription.
	last mqtt.Message

	// deliverMu keeps a replay from overtaking a newer message.
	deliverMu sync.Mutex

	ready chan struct{}
	err   error
}

func newRouter(client mqtt.Client, timeout time.Duration) *router {
	return &router{
		client:  client,
		timeout: timeout,
		routes:  make(map[string]*route),
	}
}

// join adds handler to topic, subscribing on the broker for the first
// member. The returned leave function drops the handler and unsubscribes
// once no member is left.
func (rt *router) join(topic string, handler mqtt.MessageHandler) (func() error, error) {
	rt.mu.Lock()
	r, ok := rt.routes[topic]
	if !ok {
		r = &route{
			handlers: make(map[int]mqtt.MessageHandler),
			ready:    make(chan struct{}),
		}
		rt.routes[topic] = r
	}
	rt.nextID++
	id := rt.nextID
	rt.mu.Unlock()

	r.deliverMu.Lock()
	rt.mu.Lock()
	r.handlers[id] = handler
	last := r.last
	rt.mu.Unlock()
	if last != nil {
		handler(rt.client, last)
	}
	r.deliverMu.Unlock()

	if !ok {
		rt.subMu.Lock()
		r.err = rt.subscribe(topic, r)
		rt.subMu.Unlock()
		close(r.ready)
	} else {
		<-r.ready
	}

	leave := func() error { return rt.leave(topic, r, id) }
	if r.err != nil {
		leave()
		return nil, r.err
	}
	return leave, nil
}

func (rt *router) subscribe(topic string, r *route) error {
	token := rt.client.Subscribe(topic, 1, func(c mqtt.Client, msg mqtt.Message) {
		rt.dispatch(r, c, msg)
	})
	if !token.WaitTimeout(rt.timeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", topic, token.Error())
	}
	return nil
}

// dispatch runs on the paho goroutine.
func (rt *router) dispatch(r *route, c mqtt.Client, msg mqtt.Message) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	rt.mu.Lock()
	r.last = msg
	handlers := make([]mqtt.MessageHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	rt.mu.Unlock()

	for _, h := range handlers {
		h(c, msg)
	}
}

func (rt *router) leave(topic string, r *route, id int) error {
	rt.subMu.Lock()
	defer rt.subMu.Unlock()

	rt.mu.Lock()
	if _, ok := r.handlers[id]; !ok {
		rt.mu.Unlock()
		return nil
	}
	delete(r.handlers, id)
	empty := len(r.handlers) == 0
	if empty && rt.routes[topic] == r {
		delete(rt.routes, topic)
	}
	rt.mu.Unlock()

	if !empty || r.err != nil {
		return nil
	}
	token := rt.client.Unsubscribe(topic)
	if !token.WaitTimeout(rt.timeout) {
		return fmt.Errorf("unsubscribe %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

// members returns how many conns share topic.
func (rt *router) members(topic string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if r, ok := rt.routes[topic]; ok {
		return len(r.handlers)
	}
	return 0
}
