package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pvgateway/pkg/drivers/sim"
	"pvgateway/pkg/pva"
	"pvgateway/pkg/workpool"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Get(req pva.Request) (pva.Response, error) {
	args := m.Called(req)
	return args.Get(0).(pva.Response), args.Error(1)
}

func (m *mockConn) Put(value any) error {
	return m.Called(value).Error(0)
}

func (m *mockConn) Introspect() (pva.Introspection, error) {
	args := m.Called()
	return args.Get(0).(pva.Introspection), args.Error(1)
}

func (m *mockConn) Subscribe(req pva.Request, cb func(pva.Response)) (pva.Subscription, error) {
	args := m.Called(req, cb)
	sub, _ := args.Get(0).(pva.Subscription)
	return sub, args.Error(1)
}

func (m *mockConn) Close() error {
	return m.Called().Error(0)
}

type mockSub struct {
	mock.Mock
}

func (m *mockSub) Cancel() error {
	return m.Called().Error(0)
}

type recordingObserver struct {
	mu     sync.Mutex
	ops    []string
	states []State
	events int
	drops  int
}

func (o *recordingObserver) ObserveOperation(source, op string, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

func (o *recordingObserver) ObserveState(source string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) ObserveMonitorEvent(source string, dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if dropped {
		o.drops++
	} else {
		o.events++
	}
}

func dialerFor(conn pva.Conn) pva.Dialer {
	return pva.DialerFunc(func(string) (pva.Conn, error) { return conn, nil })
}

func newMockChannel(t *testing.T, kind Kind, conn *mockConn, opts ...Option) *Channel {
	t.Helper()
	opts = append([]Option{WithPool(workpool.New(4))}, opts...)
	c, err := New("sim://TEST:MOCK", kind, dialerFor(conn), opts...)
	require.NoError(t, err)
	return c
}

func connectedMockChannel(t *testing.T, conn *mockConn, opts ...Option) *Channel {
	t.Helper()
	conn.On("Close").Return(nil).Maybe()
	c := newMockChannel(t, KindFloat, conn, opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

const testStamp = 1700000000.25

func newSimChannel(t *testing.T, name string, kind Kind, opts ...Option) (*Channel, *sim.Server) {
	t.Helper()
	server := sim.NewServer(log.StandardLogger(), sim.WithClock(func() time.Time {
		return time.Unix(1700000000, 250000000)
	}))
	t.Cleanup(server.Close)

	opts = append([]Option{WithPool(workpool.New(4))}, opts...)
	c, err := New("sim://"+name, kind, server, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, server
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := New("TEST:CALC", KindFloat, dialerFor(nil))
	assert.Error(t, err)

	_, err = New("sim://TEST:CALC", KindFloat, nil)
	assert.Error(t, err)
}

func TestSourceIsFullyQualified(t *testing.T) {
	c, err := New("sim://TEST:CALC00000", KindFloat, dialerFor(nil))
	require.NoError(t, err)
	assert.Equal(t, "sim://TEST:CALC00000", c.Source())
	assert.Equal(t, KindFloat, c.Kind())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestEndToEndScalarDouble(t *testing.T) {
	c, server := newSimChannel(t, "TEST:CALC00000", KindFloat)
	require.NoError(t, server.Add("TEST:CALC00000", pva.TypeDouble, 5.0))

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateConnected, c.State())

	desc, err := c.GetDescriptor(ctx)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Source: "sim://TEST:CALC00000", Dtype: DtypeNumber, Shape: []int{}}, desc)

	require.NoError(t, c.Put(ctx, 0.0, true))

	v, err := c.GetValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	reading, err := c.GetReading(ctx)
	require.NoError(t, err)
	assert.Equal(t, Reading{Value: 0.0, Timestamp: testStamp, AlarmSeverity: 0}, reading)
}

func TestEndToEndArrayDescriptor(t *testing.T) {
	c, server := newSimChannel(t, "TEST:WF001", KindArray)
	require.NoError(t, server.Add("TEST:WF001", pva.TypeScalarArray, []float64{1, 2, 3}))
	require.NoError(t, c.Connect(context.Background()))

	desc, err := c.GetDescriptor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DtypeArray, desc.Dtype)
	assert.Equal(t, []int{3}, desc.Shape)
}

func TestEndToEndEnum(t *testing.T) {
	c, server := newSimChannel(t, "TEST:MBBO", KindEnum, WithChoices("Off", "On"))
	require.NoError(t, server.Add("TEST:MBBO", pva.TypeInt, 0, "Idle", "Off", "On"))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Put(context.Background(), "On", true))
	wire, err := server.Value("TEST:MBBO")
	require.NoError(t, err)
	assert.Equal(t, 2, wire)

	v, err := c.GetValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "On", v)

	_, err = c.GetDescriptor(context.Background())
	assert.ErrorIs(t, err, ErrMalformedMetadata)
}

func TestEnumValidationFailurePreventsConnect(t *testing.T) {
	c, server := newSimChannel(t, "TEST:MBBO", KindEnum, WithChoices("Off", "On"))
	require.NoError(t, server.Add("TEST:MBBO", pva.TypeInt, 0, "Off"))

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StateFailed, c.State())

	_, err = c.GetValue(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOpenFailure(t *testing.T) {
	c, _ := newSimChannel(t, "MISSING", KindFloat)

	err := c.Connect(context.Background())
	var nc *NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "sim://MISSING", nc.Source)
	assert.ErrorIs(t, err, sim.ErrNoSuchPV)
	assert.Equal(t, StateFailed, c.State())
}

func TestReconnectAfterFailure(t *testing.T) {
	c, server := newSimChannel(t, "LATE", KindFloat)
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateFailed, c.State())

	require.NoError(t, server.Add("LATE", pva.TypeDouble, 1.0))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConnectCancelled(t *testing.T) {
	opened := make(chan struct{})
	release := make(chan struct{})
	late := new(mockConn)
	closed := make(chan struct{})
	late.On("Close").Return(nil).Run(func(mock.Arguments) { close(closed) }).Once()

	dialer := pva.DialerFunc(func(string) (pva.Conn, error) {
		close(opened)
		<-release
		return late, nil
	})
	c, err := New("sim://TEST:SLOW", KindFloat, dialer, WithPool(workpool.New(1)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- c.Connect(ctx) }()

	<-opened
	assert.Equal(t, StateConnecting, c.State())
	cancel()

	select {
	case err = <-result:
	case <-time.After(time.Second):
		t.Fatal("connect did not return after cancellation")
	}

	var nc *NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "sim://TEST:SLOW", nc.Source)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, c.State())

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("late handle was not closed")
	}
	late.AssertExpectations(t)
}

func TestConnectCancelledBeforeStart(t *testing.T) {
	conn := new(mockConn)
	conn.On("Close").Return(nil).Maybe()
	c := newMockChannel(t, KindFloat, conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Connect(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, c.State())
}

func TestOperationsRequireConnected(t *testing.T) {
	conn := new(mockConn)
	c := newMockChannel(t, KindFloat, conn)
	ctx := context.Background()

	_, err := c.GetValue(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.GetReading(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.GetDescriptor(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, c.Put(ctx, 1.0, true), ErrInvalidState)
	assert.ErrorIs(t, c.Put(ctx, 1.0, false), ErrInvalidState)
	_, err = c.Monitor(func(Reading, any) {})
	assert.ErrorIs(t, err, ErrInvalidState)

	conn.AssertNotCalled(t, "Get", mock.Anything)
	conn.AssertNotCalled(t, "Put", mock.Anything)
}

func TestPutWaitReportsFailure(t *testing.T) {
	conn := new(mockConn)
	boom := errors.New("write rejected")
	conn.On("Put", 1.0).Return(boom).Once()
	c := connectedMockChannel(t, conn)

	err := c.Put(context.Background(), 1.0, true)
	assert.ErrorIs(t, err, boom)
	conn.AssertExpectations(t)
}

func TestPutNoWaitIgnoresLateFailure(t *testing.T) {
	conn := new(mockConn)
	release := make(chan struct{})
	attempted := make(chan struct{})
	conn.On("Put", 2.0).Return(errors.New("write rejected")).Run(func(mock.Arguments) {
		<-release
		close(attempted)
	}).Once()
	obs := &recordingObserver{}
	c := connectedMockChannel(t, conn, WithObserver(obs))

	require.NoError(t, c.Put(context.Background(), 2.0, false))
	close(release)

	select {
	case <-attempted:
	case <-time.After(time.Second):
		t.Fatal("write was never attempted")
	}
	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		for _, op := range obs.ops {
			if op == OpPutAsync {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestPutRejectsUnconvertible(t *testing.T) {
	conn := new(mockConn)
	conn.On("Close").Return(nil).Maybe()
	c := newMockChannel(t, KindEnum, conn, WithConverter(NewEnumConverter("Off", "On")))
	conn.On("Introspect").Return(pva.Introspection{Choices: []string{"Off", "On"}}, nil)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Put(context.Background(), "Maybe", false)
	assert.Error(t, err)
	conn.AssertNotCalled(t, "Put", mock.Anything)
}

func TestGetErrorsPropagate(t *testing.T) {
	conn := new(mockConn)
	boom := errors.New("timeout")
	conn.On("Get", pva.RequestValue).Return(pva.Response{}, boom)
	conn.On("Get", pva.RequestValueAlarmTimestamp).Return(pva.Response{}, boom)
	conn.On("Introspect").Return(pva.Introspection{}, boom)
	c := connectedMockChannel(t, conn)
	ctx := context.Background()

	_, err := c.GetValue(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = c.GetReading(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = c.GetDescriptor(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestConcurrentGets(t *testing.T) {
	conn := new(mockConn)
	var inflight, peak atomic.Int32
	gate := make(chan struct{})
	conn.On("Get", pva.RequestValue).Return(pva.Response{Value: 1.0}, nil).Run(func(mock.Arguments) {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-gate
		inflight.Add(-1)
	})
	c := connectedMockChannel(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetValue(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 1.0, v)
		}()
	}

	require.Eventually(t, func() bool { return inflight.Load() == 3 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(3), peak.Load())
}

func TestMonitorDeliversReadings(t *testing.T) {
	c, server := newSimChannel(t, "TEST:AI", KindFloat)
	require.NoError(t, server.Add("TEST:AI", pva.TypeDouble, 0.0))
	require.NoError(t, c.Connect(context.Background()))

	type event struct {
		reading Reading
		value   any
	}
	events := make(chan event, 8)
	m, err := c.Monitor(func(r Reading, v any) { events <- event{r, v} })
	require.NoError(t, err)
	defer m.Cancel()

	require.NoError(t, server.Set("TEST:AI", 3.2, 1))

	select {
	case e := <-events:
		assert.Equal(t, Reading{Value: 3.2, Timestamp: testStamp, AlarmSeverity: 1}, e.reading)
		assert.Equal(t, 3.2, e.value)
	case <-time.After(time.Second):
		t.Fatal("no reading delivered")
	}

	select {
	case e := <-events:
		t.Fatalf("event delivered twice: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// monitorOnMock subscribes through a mock connection and returns the push
// function the channel handed to the protocol client.
func monitorOnMock(t *testing.T, cb func(Reading, any), opts ...Option) (*Channel, *Monitor, func(pva.Response), *mockSub) {
	t.Helper()
	conn := new(mockConn)
	sub := new(mockSub)
	sub.On("Cancel").Return(nil)

	var push func(pva.Response)
	conn.On("Subscribe", pva.RequestValueAlarmTimestamp, mock.Anything).Return(sub, nil).Run(func(args mock.Arguments) {
		push = args.Get(1).(func(pva.Response))
	})
	c := connectedMockChannel(t, conn, opts...)

	m, err := c.Monitor(cb)
	require.NoError(t, err)
	require.NotNil(t, push)
	return c, m, push, sub
}

func TestMonitorCancelStopsDelivery(t *testing.T) {
	var calls atomic.Int32
	_, m, push, sub := monitorOnMock(t, func(Reading, any) { calls.Add(1) })

	push(pva.Response{Value: 1.0})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Cancel())
	for i := 0; i < 10; i++ {
		push(pva.Response{Value: 2.0})
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, m.Cancel())
	sub.AssertNumberOfCalls(t, "Cancel", 1)
}

func TestMonitorCancelConcurrentWithEvents(t *testing.T) {
	var calls atomic.Int32
	_, m, push, _ := monitorOnMock(t, func(Reading, any) { calls.Add(1) })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				push(pva.Response{Value: 1.0})
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Cancel())
	// Let a delivery that was already past its check finish.
	time.Sleep(10 * time.Millisecond)
	after := calls.Load()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Equal(t, after, calls.Load())
}

func TestMonitorIsolatesFailures(t *testing.T) {
	delivered := make(chan any, 4)
	_, m, push, _ := monitorOnMock(t, func(r Reading, v any) {
		if v == "panic" {
			panic("callback failure")
		}
		delivered <- v
	})
	defer m.Cancel()

	push(pva.Response{Value: "panic"})
	push(pva.Response{Value: 2.0})

	select {
	case v := <-delivered:
		assert.Equal(t, 2.0, v)
	case <-time.After(time.Second):
		t.Fatal("event after a failing callback was not delivered")
	}
}

func TestMonitorDropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	obs := &recordingObserver{}
	_, m, push, _ := monitorOnMock(t, func(Reading, any) { <-block }, WithMonitorBuffer(1), WithObserver(obs))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			push(pva.Response{Value: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked the protocol goroutine")
	}

	obs.mu.Lock()
	drops := obs.drops
	obs.mu.Unlock()
	assert.Greater(t, drops, 0)

	close(block)
	m.Cancel()
}

func TestCloseCancelsMonitors(t *testing.T) {
	var calls atomic.Int32
	c, m, push, sub := monitorOnMock(t, func(Reading, any) { calls.Add(1) })

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	sub.AssertNumberOfCalls(t, "Cancel", 1)

	push(pva.Response{Value: 1.0})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	assert.NoError(t, m.Cancel())
	assert.NoError(t, c.Close())
}

func TestMonitorCancelAfterSubscriptionFailure(t *testing.T) {
	conn := new(mockConn)
	sub := new(mockSub)
	sub.On("Cancel").Return(errors.New("connection lost"))
	conn.On("Subscribe", pva.RequestValueAlarmTimestamp, mock.Anything).Return(sub, nil)
	c := connectedMockChannel(t, conn)

	m, err := c.Monitor(func(Reading, any) {})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.Error(t, m.Cancel())
		assert.Error(t, m.Cancel())
	})
}

func TestMonitorSubscribeFails(t *testing.T) {
	conn := new(mockConn)
	conn.On("Subscribe", pva.RequestValueAlarmTimestamp, mock.Anything).Return(nil, errors.New("refused"))
	c := connectedMockChannel(t, conn)

	_, err := c.Monitor(func(Reading, any) {})
	assert.Error(t, err)

	_, err = c.Monitor(nil)
	assert.Error(t, err)
}

func TestObserverSeesStateTransitions(t *testing.T) {
	obs := &recordingObserver{}
	c, server := newSimChannel(t, "TEST:AI", KindFloat, WithObserver(obs))
	require.NoError(t, server.Add("TEST:AI", pva.TypeDouble, 0.0))

	require.NoError(t, c.Connect(context.Background()))
	_, err := c.GetValue(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, obs.states)
	assert.Equal(t, []string{OpConnect, OpGetValue}, obs.ops)
}

func TestStateText(t *testing.T) {
	for _, s := range []State{StateDisconnected, StateConnecting, StateConnected, StateFailed} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var parsed State
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, s, parsed)
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("State(7)")))
}
