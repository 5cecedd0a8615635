package channel

import (
	"sync"
	"sync/atomic"

	"pvgateway/pkg/pva"
)

// Monitor is a running subscription created by Channel.Monitor.
type Monitor struct {
	ch       *Channel
	callback func(Reading, any)
	sub      pva.Subscription

	events    chan pva.Response
	done      chan struct{}
	cancelled atomic.Bool

	once sync.Once
	err  error
}

func newMonitor(c *Channel, cb func(Reading, any)) *Monitor {
	m := &Monitor{
		ch:       c,
		callback: cb,
		events:   make(chan pva.Response, c.monitorBuffer),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// push is handed to the protocol client and runs on its goroutine. It never
// blocks: when the buffer is full the event is dropped.
func (m *Monitor) push(resp pva.Response) {
	if m.cancelled.Load() {
		return
	}
	select {
	case m.events <- resp:
	default:
		m.ch.observer.ObserveMonitorEvent(m.ch.Source(), true)
		m.ch.logger.Warn("Monitor buffer full, dropping event")
	}
}

func (m *Monitor) run() {
	for {
		select {
		case <-m.done:
			return
		case resp := <-m.events:
			if m.cancelled.Load() {
				return
			}
			m.deliver(resp)
		}
	}
}

// deliver isolates each event: a conversion error or a panicking callback
// is logged and the next event is still delivered.
func (m *Monitor) deliver(resp pva.Response) {
	defer func() {
		if r := recover(); r != nil {
			m.ch.logger.Errorf("Monitor callback panicked: %v", r)
		}
	}()

	reading, value, err := BuildReading(resp, m.ch.converter)
	if err != nil {
		m.ch.logger.Warnf("Failed to convert monitor event: %v", err)
		return
	}

	m.ch.observer.ObserveMonitorEvent(m.ch.Source(), false)
	m.callback(reading, value)
}

// stop ends delivery without touching the protocol subscription.
func (m *Monitor) stop() {
	if m.cancelled.CompareAndSwap(false, true) {
		close(m.done)
	}
}

// Cancel stops delivery and releases the protocol subscription. Events
// pushed after Cancel are never delivered. It is safe to call more than
// once, and after the channel has failed or been closed.
func (m *Monitor) Cancel() error {
	m.once.Do(func() {
		m.stop()
		if m.sub != nil {
			m.err = m.sub.Cancel()
		}
		m.ch.forget(m)
		m.ch.logger.Debug("Monitor cancelled")
	})
	return m.err
}
