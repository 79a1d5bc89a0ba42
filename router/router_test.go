package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunboruto20/borutowaileys-library/binarynode"
)

func TestAwaitIQDeliveredByDispatch(t *testing.T) {
	r := New(nil)

	var resp binarynode.BinaryNode
	var err error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err = r.AwaitIQ(ctx, "abc")
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter register
	r.Dispatch(binarynode.BinaryNode{Tag: "iq", Attrs: map[string]string{"id": "abc", "type": "result"}})
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "result", resp.Attrs["type"])
}

func TestAwaitIQTimesOut(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.AwaitIQ(ctx, "never-arrives")
	assert.Error(t, err)
}

func TestSubscribeLongestMatchWins(t *testing.T) {
	r := New(nil)
	var order []string
	var mu sync.Mutex
	record := func(name string) func(binarynode.BinaryNode) {
		return func(binarynode.BinaryNode) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	r.Subscribe(Pattern("message"), record("message"))
	r.Subscribe(Pattern("message.notification"), record("message.notification"))
	r.Subscribe(Pattern("message.notification"), record("message.notification.2"))

	r.Dispatch(binarynode.BinaryNode{Tag: "message.notification"})

	assert.Equal(t, []string{"message.notification", "message.notification.2", "message"}, order)
}

func TestDispatchRecoversSubscriberPanic(t *testing.T) {
	r := New(nil)
	var ran atomic.Bool
	r.Subscribe(Pattern("x"), func(binarynode.BinaryNode) { panic("boom") })
	r.Subscribe(Pattern("x"), func(binarynode.BinaryNode) { ran.Store(true) })

	assert.NotPanics(t, func() {
		r.Dispatch(binarynode.BinaryNode{Tag: "x"})
	})
	assert.True(t, ran.Load())
}

func TestCloseFailsOutstandingWaiters(t *testing.T) {
	r := New(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := r.AwaitIQ(ctx, "will-be-closed")
		assert.Error(t, err)
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()
	<-done
}
