package signal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestEmitWithoutSubscribers(t *testing.T) {
	s := New[int]("test", func(string, error) { t.Fatal("error handler should not run") })
	s.Emit(42)
	assert.Equal(t, 0, s.Len())
	assert.Check(t, !s.HasSlots())
}

func TestFailingHandlerIsolation(t *testing.T) {
	var caught int32
	s := New[string]("test", func(sig string, err error) {
		assert.Equal(t, "test", sig)
		atomic.AddInt32(&caught, 1)
	})

	done := make(chan string, 1)
	s.Connect(func(string) error { return errors.New("boom") })
	s.Connect(func(v string) error {
		done <- v
		return nil
	})

	s.Emit("hello")
	assert.Equal(t, "hello", <-done)
	waitFor(t, func() bool { return atomic.LoadInt32(&caught) == 1 })
}

func TestPanickingHandlerIsolation(t *testing.T) {
	var caught int32
	s := New[int]("test", func(string, error) { atomic.AddInt32(&caught, 1) })

	done := make(chan int, 1)
	s.Connect(func(int) error { panic("boom") })
	s.Connect(func(v int) error {
		done <- v
		return nil
	})

	s.Emit(7)
	assert.Equal(t, 7, <-done)
	waitFor(t, func() bool { return atomic.LoadInt32(&caught) == 1 })
}

func TestDisconnect(t *testing.T) {
	s := New[int]("test", nil)
	var calls int32
	off := s.Connect(func(int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	assert.Equal(t, 1, s.Len())

	off()
	assert.Equal(t, 0, s.Len())
	off() // removing twice is a no-op

	s.Emit(1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDisconnectFromOwnHandler(t *testing.T) {
	s := New[int]("test", nil)
	got := make(chan int, 2)
	var off func()
	off = s.Connect(func(v int) error {
		got <- v
		off()
		return nil
	})

	s.Emit(1)
	assert.Equal(t, 1, <-got)
	waitFor(t, func() bool { return s.Len() == 0 })

	s.Emit(2)
	select {
	case v := <-got:
		t.Fatalf("handler ran after removal: %d", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeDuringDispatchSeesNextEmit(t *testing.T) {
	s := New[int]("test", nil)
	late := make(chan int, 2)
	first := make(chan struct{})
	var once int32
	s.Connect(func(int) error {
		if atomic.CompareAndSwapInt32(&once, 0, 1) {
			s.Connect(func(v int) error {
				late <- v
				return nil
			})
			close(first)
		}
		return nil
	})

	s.Emit(1)
	<-first
	s.Emit(2)
	assert.Equal(t, 2, <-late)
}

func TestSubscriberSeesEmissionsInOrder(t *testing.T) {
	s := New[int]("test", func(string, error) { t.Error("error handler should not run") })
	var mu sync.Mutex
	var got []int
	s.Connect(func(v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})

	const n = 2000
	for i := 0; i < n; i++ {
		s.Emit(i)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery %d carried %d", i, v)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
