package channel

import "time"

// Operation names passed to Observer.
const (
	OpConnect    = "connect"
	OpGetValue   = "get_value"
	OpGetReading = "get_reading"
	OpDescriptor = "get_descriptor"
	OpPut        = "put"
	OpPutAsync   = "put_nowait"
)

// Observer receives instrumentation events from channels. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveOperation(source, op string, elapsed time.Duration, err error)
	ObserveState(source string, state State)
	ObserveMonitorEvent(source string, dropped bool)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration, error) {}
func (nopObserver) ObserveState(string, State)                            {}
func (nopObserver) ObserveMonitorEvent(string, bool)                      {}
