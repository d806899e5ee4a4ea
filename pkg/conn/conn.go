// Package conn maintains a persistent logical session to a heart rate
// peripheral: connect, enable telemetry, wait for link loss, retry at a
// fixed interval, forever, until an explicit shutdown. Observers follow the
// session through its signals; decoded readings are republished on
// DataReceived.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lgc2333/ble-hrs-server/pkg/hrs"
	"github.com/lgc2333/ble-hrs-server/pkg/signal"
)

// DefaultRetryInterval is the fixed pause between reconnect attempts.
const DefaultRetryInterval = time.Second

var (
	// ErrUnsupportedDevice marks a peripheral that lacks the heart rate
	// measurement characteristic. Unlike link faults it is not retried:
	// no amount of reconnecting grows the peripheral a characteristic.
	ErrUnsupportedDevice = errors.New("peripheral does not expose the heart rate measurement characteristic")
	// ErrAlreadyStarted is returned by Start while a supervising loop is
	// still alive.
	ErrAlreadyStarted = errors.New("connection already started")
)

// Sample is one decoded reading with its capture time.
type Sample struct {
	Reading hrs.Reading
	At      time.Time
}

// PrepareFunc readies a freshly connected peripheral for telemetry,
// routing every raw notification frame into notify.
type PrepareFunc func(cl Client, notify func(frame []byte)) error

// DecodeFunc turns a raw notification frame into a Reading.
type DecodeFunc func(frame []byte) (hrs.Reading, error)

// SubscribeMeasurement is the default prepare strategy: subscribe to the
// standard heart rate measurement characteristic.
func SubscribeMeasurement(cl Client, notify func(frame []byte)) error {
	ch, ok := cl.Characteristic(hrs.MeasurementUUID)
	if !ok {
		return ErrUnsupportedDevice
	}
	return cl.Subscribe(ch, notify)
}

// Conn supervises one logical session bound to a fixed peripheral address.
// A Conn is created idle; Start spawns the supervising loop, Shutdown ends
// it. The address never changes: a different peripheral needs a new Conn.
type Conn struct {
	addr          string
	retryInterval time.Duration
	dialer        Dialer
	prepare       PrepareFunc
	decode        DecodeFunc

	// Lifecycle signals, each fired exactly once per occurrence.
	Starting       *signal.Signal[struct{}]
	Connecting     *signal.Signal[struct{}]
	ConnectFailed  *signal.Signal[error]
	Connected      *signal.Signal[struct{}]
	Prepared       *signal.Signal[struct{}]
	ConnectionLost *signal.Signal[struct{}]
	ShuttingDown   *signal.Signal[struct{}]
	DataReceived   *signal.Signal[Sample]

	mu     sync.Mutex
	client Client
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// Option customizes a Conn.
type Option func(*Conn, *signal.ErrorHandler)

// WithRetryInterval sets the fixed pause between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Conn, _ *signal.ErrorHandler) { c.retryInterval = d }
}

// WithDialer swaps the transport. Tests use this to feed in scripted
// peripherals.
func WithDialer(d Dialer) Option {
	return func(c *Conn, _ *signal.ErrorHandler) { c.dialer = d }
}

// WithPrepare replaces the telemetry-enabling strategy.
func WithPrepare(p PrepareFunc) Option {
	return func(c *Conn, _ *signal.ErrorHandler) { c.prepare = p }
}

// WithDecoder replaces the frame decoder.
func WithDecoder(d DecodeFunc) Option {
	return func(c *Conn, _ *signal.ErrorHandler) { c.decode = d }
}

// WithErrorHandler routes signal handler failures somewhere other than the
// default logger.
func WithErrorHandler(h signal.ErrorHandler) Option {
	return func(_ *Conn, catch *signal.ErrorHandler) { *catch = h }
}

// New creates an idle Conn targeting addr. Without options it dials over
// the host BLE adapter, subscribes to the standard measurement
// characteristic, and decodes with hrs.ParseFrame.
func New(addr string, opts ...Option) *Conn {
	c := &Conn{
		addr:          addr,
		retryInterval: DefaultRetryInterval,
		prepare:       SubscribeMeasurement,
		decode:        hrs.ParseFrame,
	}
	var catch signal.ErrorHandler
	for _, opt := range opts {
		opt(c, &catch)
	}
	if c.dialer == nil {
		c.dialer = NewGattDialer(0)
	}
	c.Starting = signal.New[struct{}]("starting", catch)
	c.Connecting = signal.New[struct{}]("connecting", catch)
	c.ConnectFailed = signal.New[error]("connect_failed", catch)
	c.Connected = signal.New[struct{}]("connected", catch)
	c.Prepared = signal.New[struct{}]("prepared", catch)
	c.ConnectionLost = signal.New[struct{}]("connection_lost", catch)
	c.ShuttingDown = signal.New[struct{}]("shutting_down", catch)
	c.DataReceived = signal.New[Sample]("data_received", catch)
	return c
}

// Addr returns the peripheral address this Conn is bound to.
func (c *Conn) Addr() string { return c.addr }

// RetryInterval returns the fixed pause between attempts.
func (c *Conn) RetryInterval() time.Duration { return c.retryInterval }

// Started reports whether the supervising loop is alive.
func (c *Conn) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// IsConnected reports whether a live link is currently held.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	return cl != nil && cl.IsConnected()
}

// Start fires Starting and spawns the supervising loop. It fails with
// ErrAlreadyStarted while a loop is alive; after a clean Shutdown the Conn
// may be started afresh.
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			c.mu.Unlock()
			return ErrAlreadyStarted
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.runErr = nil
	c.mu.Unlock()

	c.Starting.Emit(struct{}{})
	go c.run(ctx, done)
	return nil
}

// Wait blocks until the supervising loop exits and returns the error that
// killed it: nil after Shutdown, ErrUnsupportedDevice when the peripheral
// cannot deliver telemetry. Waiting on a never-started Conn returns nil.
func (c *Conn) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Shutdown fires ShuttingDown, cancels the supervising loop and
// force-closes any live link. Calling it again, or before Start, is a
// no-op.
func (c *Conn) Shutdown() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	c.ShuttingDown.Emit(struct{}{})
	cancel()
	<-done
	return nil
}

func (c *Conn) run(ctx context.Context, done chan struct{}) {
	err := c.loop(ctx)
	c.mu.Lock()
	if c.client != nil {
		c.client.Disconnect()
		c.client = nil
	}
	c.runErr = err
	c.mu.Unlock()
	close(done)
}

// loop is the supervising cycle: connect, prepare, wait for loss, retry.
// Only loop mutates c.client; the transport's disconnect callback merely
// posts to the cycle's one-shot loss channel.
func (c *Conn) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Defensive reset of any stale handle before a fresh attempt.
		c.mu.Lock()
		if c.client != nil {
			if c.client.IsConnected() {
				c.client.Disconnect()
			}
			c.client = nil
		}
		c.mu.Unlock()

		// The loss channel is per cycle, so a late callback from a torn
		// down client can never wake the loop for the wrong link.
		lost := make(chan struct{}, 1)
		cl, err := c.dialer.NewClient(c.addr, func() {
			select {
			case lost <- struct{}{}:
			default:
			}
		})
		c.Connecting.Emit(struct{}{})
		if err == nil {
			err = cl.Connect(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.ConnectFailed.Emit(err)
			if !c.pause(ctx) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		c.client = cl
		c.mu.Unlock()
		c.Connected.Emit(struct{}{})

		if err := c.prepare(cl, c.handleFrame); err != nil {
			return errors.Wrap(err, "prepare telemetry")
		}
		c.Prepared.Emit(struct{}{})

		select {
		case <-ctx.Done():
			return nil
		case <-lost:
		}

		c.mu.Lock()
		c.client = nil
		c.mu.Unlock()
		c.ConnectionLost.Emit(struct{}{})
		if !c.pause(ctx) {
			return nil
		}
	}
}

func (c *Conn) pause(ctx context.Context) bool {
	t := time.NewTimer(c.retryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handleFrame is the telemetry hot path. Decoding is skipped when nobody
// subscribes, and malformed frames are dropped without an event.
func (c *Conn) handleFrame(frame []byte) {
	if !c.DataReceived.HasSlots() {
		return
	}
	reading, err := c.decode(frame)
	if err != nil {
		return
	}
	c.DataReceived.Emit(Sample{Reading: reading, At: time.Now()})
}
