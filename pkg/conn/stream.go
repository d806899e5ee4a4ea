package conn

import (
	"sync"

	"github.com/golang-collections/go-datastructures/queue"
)

// endOfStream is the single marker relayed into the buffer when the link
// drops, so samples buffered before the loss still drain to the consumer.
type endOfStream struct{}

// Stream is a pull-side view of the telemetry feed. The publish side never
// waits on the consumer: samples land in an unbounded FIFO and the
// consumer drains at its own pace. Telemetry volume is low enough that an
// unbounded buffer is not a concern here.
type Stream struct {
	buf  *queue.Queue
	offs []func()
	once sync.Once
}

// Stream returns a fresh sample sequence, fed until the underlying
// connection is lost. Each call is independent, with its own
// subscriptions. When the Conn holds no live link the sequence is empty
// and already terminated.
func (c *Conn) Stream() *Stream {
	s := &Stream{buf: queue.New(16)}
	if !c.IsConnected() {
		s.buf.Dispose()
		return s
	}
	// Put only fails once Close has disposed the buffer; a late delivery
	// racing Close is dropped, not reported.
	offData := c.DataReceived.Connect(func(v Sample) error {
		s.buf.Put(v)
		return nil
	})
	offLost := c.ConnectionLost.Connect(func(struct{}) error {
		s.buf.Put(endOfStream{})
		return nil
	})
	s.offs = []func(){offData, offLost}
	// The link may have dropped between the Connected check and the
	// subscriptions above; terminate rather than block forever.
	if !c.IsConnected() {
		s.buf.Put(endOfStream{})
	}
	return s
}

// Next blocks for the next sample. ok is false once the feed has ended,
// after which the stream's subscriptions are gone and every further call
// keeps returning false.
func (s *Stream) Next() (Sample, bool) {
	items, err := s.buf.Get(1)
	if err != nil {
		// Disposed: Close was called or the stream already ended.
		s.Close()
		return Sample{}, false
	}
	if _, end := items[0].(endOfStream); end {
		s.Close()
		return Sample{}, false
	}
	return items[0].(Sample), true
}

// Close abandons the stream early. It unconditionally removes both
// subscriptions and unblocks a pending Next. Closing twice is a no-op.
func (s *Stream) Close() {
	s.once.Do(func() {
		for _, off := range s.offs {
			off()
		}
		s.buf.Dispose()
	})
}
