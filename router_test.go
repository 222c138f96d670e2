package threadx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouterPair(t *testing.T, factory SharedObjectFactory) (ra, rb *Router) {
	t.Helper()
	ta, tb := NewChannelTransportPair(8)

	var err error
	ra, err = NewRouter(Options{WorkerID: 1, WorkerName: "a"})
	require.NoError(t, err)
	rb, err = NewRouter(Options{WorkerID: 2, WorkerName: "b", SharedObjectFactory: factory})
	require.NoError(t, err)

	require.NoError(t, ra.RegisterWorker("b", ta))
	require.NoError(t, rb.RegisterWorker("a", tb))

	require.Eventually(t, func() bool {
		ra.mu.Lock()
		ps := ra.peers["b"]
		ra.mu.Unlock()
		select {
		case <-ps.readyCh:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		rb.mu.Lock()
		ps := rb.peers["a"]
		rb.mu.Unlock()
		select {
		case <-ps.readyCh:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	return ra, rb
}

func TestRouterSendAsyncRequestResponse(t *testing.T) {
	ra, rb := newRouterPair(t, nil)
	rb.opts.OnMessage = func(ctx context.Context, fromPeer string, payload any) (any, error) {
		return "pong:" + payload.(string), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := ra.SendAsync(ctx, "b", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong:ping", result)
}

func TestRouterSendFireAndForget(t *testing.T) {
	ra, rb := newRouterPair(t, nil)
	received := make(chan string, 1)
	rb.opts.OnMessage = func(ctx context.Context, fromPeer string, payload any) (any, error) {
		received <- payload.(string)
		return nil, nil
	}

	require.NoError(t, ra.Send(context.Background(), "b", "hello"))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget message was never received")
	}
}

func TestRouterShareObjectsFactoryWiresUpSharedObject(t *testing.T) {
	tag := "RTRA"
	schema := testSchema(t, tag)

	factory := func(mem SharedMemory, r *Router) (*SharedObject, error) {
		if ExtractTypeID(mem.Bytes()) != schema.TypeID {
			return nil, nil
		}
		return NewSharedObjectFromBuffer(schema, mem, r, nil)
	}

	ra, rb := newRouterPair(t, factory)

	var sharedOnB *SharedObject
	rb.opts.OnObjectShared = func(so *SharedObject) { sharedOnB = so }

	local := ra.NewLocalObject(schema, map[string]any{"n": 1.0, "flag": true, "count": int32(5)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ra.ShareObjects(ctx, "b", []*SharedObject{local}))

	require.Eventually(t, func() bool { return sharedOnB != nil }, time.Second, 5*time.Millisecond)

	v, err := sharedOnB.GetNumber("n")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestRouterShareObjectsFactoryFailureIsReported(t *testing.T) {
	factory := func(mem SharedMemory, r *Router) (*SharedObject, error) { return nil, nil }
	ra, rb := newRouterPair(t, factory)
	_ = rb

	tag := "RTRB"
	schema := testSchema(t, tag)
	local := ra.NewLocalObject(schema, map[string]any{"n": 0.0, "flag": false, "count": int32(0)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ra.ShareObjects(ctx, "b", []*SharedObject{local})
	require.Error(t, err)
	// The error crosses the transport as a string (ErrorMsg), not a
	// living error value, so only its text — not its identity —
	// survives the round trip.
	assert.Contains(t, err.Error(), "factory")
}

func TestRouterCloseWorkerGraceful(t *testing.T) {
	ra, rb := newRouterPair(t, nil)
	_ = rb

	status, err := ra.CloseWorker(context.Background(), "b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "graceful", status)
}

func TestRouterCloseWorkerForcedRejectsPending(t *testing.T) {
	ta, tb := NewChannelTransportPair(8)
	ra, err := NewRouter(Options{WorkerID: 1, WorkerName: "a"})
	require.NoError(t, err)
	require.NoError(t, ra.RegisterWorker("b", ta))

	// tb is never drained by a peer router, so any SendAsync to "b"
	// parks until CloseWorker's timeout forces it closed.
	_ = tb

	ra.mu.Lock()
	ps := ra.peers["b"]
	ra.mu.Unlock()
	ps.resolveReady()

	resultCh := make(chan error, 1)
	go func() {
		_, err := ra.SendAsync(context.Background(), "b", "never answered")
		resultCh <- err
	}()

	status, err := ra.CloseWorker(context.Background(), "b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "forced", status)

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrWorkerClosed)
	case <-time.After(time.Second):
		t.Fatal("pending SendAsync was never rejected after a forced close")
	}
}

func TestRouterLifecycleEvents(t *testing.T) {
	tag := "RTRC"
	schema := testSchema(t, tag)

	factory := func(mem SharedMemory, r *Router) (*SharedObject, error) {
		if ExtractTypeID(mem.Bytes()) != schema.TypeID {
			return nil, nil
		}
		return NewSharedObjectFromBuffer(schema, mem, r, nil)
	}

	var registered, ready []string
	var shared, forgotten []*SharedObject
	var mu sync.Mutex

	ta, tb := NewChannelTransportPair(8)
	ra, err := NewRouter(Options{WorkerID: 1, WorkerName: "a"})
	require.NoError(t, err)
	rb, err := NewRouter(Options{WorkerID: 2, WorkerName: "b", SharedObjectFactory: factory})
	require.NoError(t, err)

	ra.On(EventPeerRegistered, func(source, data any) {
		mu.Lock()
		defer mu.Unlock()
		registered = append(registered, data.(string))
	})
	ra.On(EventPeerReady, func(source, data any) {
		mu.Lock()
		defer mu.Unlock()
		ready = append(ready, data.(string))
	})
	rb.On(EventObjectShared, func(source, data any) {
		mu.Lock()
		defer mu.Unlock()
		shared = append(shared, data.(*SharedObject))
	})
	ra.On(EventObjectForgotten, func(source, data any) {
		mu.Lock()
		defer mu.Unlock()
		forgotten = append(forgotten, data.(*SharedObject))
	})

	require.NoError(t, ra.RegisterWorker("b", ta))
	require.NoError(t, rb.RegisterWorker("a", tb))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(registered) == 1 && len(ready) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"b"}, registered)
	assert.Equal(t, []string{"b"}, ready)
	mu.Unlock()

	local := ra.NewLocalObject(schema, map[string]any{"n": 1.0, "flag": true, "count": int32(1)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ra.ShareObjects(ctx, "b", []*SharedObject{local}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(shared) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ra.ForgetObjects(ctx, []*SharedObject{local}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(forgotten) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRouterForgetObjectsDestroysThePeerCopy(t *testing.T) {
	tag := "RTRD"
	schema := testSchema(t, tag)

	factory := func(mem SharedMemory, r *Router) (*SharedObject, error) {
		if ExtractTypeID(mem.Bytes()) != schema.TypeID {
			return nil, nil
		}
		return NewSharedObjectFromBuffer(schema, mem, r, nil)
	}

	ra, rb := newRouterPair(t, factory)

	var sharedOnB *SharedObject
	rb.opts.OnObjectShared = func(so *SharedObject) { sharedOnB = so }

	local := ra.NewLocalObject(schema, map[string]any{"n": 1.0, "flag": true, "count": int32(1)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ra.ShareObjects(ctx, "b", []*SharedObject{local}))
	require.Eventually(t, func() bool { return sharedOnB != nil }, time.Second, 5*time.Millisecond)

	assert.Same(t, sharedOnB, rb.GetSharedObjectById(local.ID()))

	require.NoError(t, ra.ForgetObjects(ctx, []*SharedObject{local}))

	require.Eventually(t, func() bool { return sharedOnB.IsDestroyed() }, time.Second, 5*time.Millisecond)
	assert.Nil(t, rb.GetSharedObjectById(local.ID()), "forgotten object must no longer be resolvable on the peer")
}

func TestRouterGetSharedObjectByIdReturnsNilWhenUnknown(t *testing.T) {
	ra, err := NewRouter(Options{WorkerID: 1, WorkerName: "a"})
	require.NoError(t, err)
	assert.Nil(t, ra.GetSharedObjectById(999))
}

func TestRouterGenerateUniqueId(t *testing.T) {
	ra, err := NewRouter(Options{WorkerID: 7, WorkerName: "a"})
	require.NoError(t, err)

	first := ra.GenerateUniqueId()
	second := ra.GenerateUniqueId()
	assert.NotEqual(t, first, second)
	assert.True(t, first >= 7*uniqueIDFactor && first < 8*uniqueIDFactor)
}

func TestRouterHandleResponseUnknownAsyncMsgIdIsDroppedNotPanicked(t *testing.T) {
	ra, rb := newRouterPair(t, nil)
	_ = rb

	// No SendAsync was ever issued, so asyncMsgId 12345 has no pending
	// request; handleResponse must log and drop it, not panic.
	ra.handleResponse(wireMessage{AsyncMsgID: 12345, UserPayload: "stray"})
}
