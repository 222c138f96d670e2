package threadx

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"
	uberatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// sharedObjectHost is the slice of Router behavior a SharedObject
// needs without importing the whole Router type, keeping the
// dependency one-directional (router.go depends on sharedobject.go,
// not the reverse).
type sharedObjectHost interface {
	workerID() int
	reportSharedObjectEmit(so *SharedObject, event string, data any)
	forgetLocalSilently(so *SharedObject)
}

// soState is the lifecycle state machine spec.md §4.3 names:
// Fresh -> Initialized -> Active -> Destroying -> Destroyed.
type soState int32

const (
	soFresh soState = iota
	soInitialized
	soActive
	soDestroying
	soDestroyed
)

// SharedObject is an in-worker projection over a BufferStruct. It
// batches local writes, reconciles them against the peer's writes
// under the buffer lock on a perpetual notify/wait cycle, and emits
// events locally and (unless localOnly) to its one peer via the
// router (spec.md §4.3).
type SharedObject struct {
	mu        sync.Mutex // guards buffer, curProps, mutations, state
	buffer    *BufferStruct
	schema    *Schema
	curProps  map[string]any
	mutations map[string]struct{}
	state     soState

	cycleMu sync.Mutex // serializes executeMutations against concurrent Flush

	mutationsQueued uberatomic.Bool
	queueCh         chan struct{}

	waitGeneration uint64
	waitCancel     context.CancelFunc

	emitter *emitter
	host    sharedObjectHost
	log     *zap.Logger

	// OnPropertyChange is fired exactly when a property changes due
	// to a peer write observed during reconciliation — never during
	// initialization, never for purely local writes (spec.md §4.3).
	OnPropertyChange func(name string, newValue, oldValue any)

	// OnDestroy is the subclass hook spec.md §4.3 calls out,
	// invoked synchronously from Destroy before the final mutation
	// cycle is queued.
	OnDestroy func()
}

// NewSharedObject constructs a SharedObject over buffer, seeded with
// initial (the property snapshot either freshly defaulted locally, or
// taken from an incoming shareObjects buffer). When stageAsMutations is
// true (the locally-created path) every initial value is also queued
// as a mutation, so the constructor's first cycle writes it into the
// buffer; when false (the incoming-share path) the buffer already
// holds these values and nothing needs flushing. The first mutation
// cycle runs synchronously in the constructor, before any peer can
// have observed this object, per spec.md §4.3's executeMutations
// invariant.
func NewSharedObject(buffer *BufferStruct, initial map[string]any, stageAsMutations bool, host sharedObjectHost, log *zap.Logger) *SharedObject {
	if log == nil {
		log = nopLogger()
	}
	props := make(map[string]any, len(initial))
	for k, v := range initial {
		props[k] = v
	}

	mutations := map[string]struct{}{}
	if stageAsMutations {
		for name := range initial {
			mutations[name] = struct{}{}
		}
	}

	so := &SharedObject{
		buffer:    buffer,
		schema:    buffer.Schema(),
		curProps:  props,
		mutations: mutations,
		state:     soFresh,
		queueCh:   make(chan struct{}, 1),
		emitter:   newEmitter(),
		host:      host,
		log:       log,
	}

	go so.loop()

	// Constructor-time cycle: no peer can be contending for the lock
	// yet, so this runs without acquiring the cross-worker lock.
	so.executeMutationsLocked()
	so.mu.Lock()
	so.state = soInitialized
	so.mu.Unlock()

	return so
}

// NewSharedObjectFromBuffer wraps an incoming buffer (received via a
// shareObjects control message) with schema, reading every declared
// property's current value out of the buffer as the initial snapshot.
// Factory functions supplied to Options.SharedObjectFactory call this
// once they have identified schema from the buffer's type id.
func NewSharedObjectFromBuffer(schema *Schema, mem SharedMemory, host sharedObjectHost, log *zap.Logger) (*SharedObject, error) {
	buf, err := WrapBufferStruct(schema, mem, log)
	if err != nil {
		return nil, err
	}
	initial := make(map[string]any, len(schema.Fields()))
	for _, f := range schema.Fields() {
		v, err := buf.GetAny(f.Name)
		if err != nil {
			return nil, err
		}
		initial[f.Name] = v
	}
	return NewSharedObject(buf, initial, false, host, log), nil
}

// ID returns the shared object's unique id.
func (so *SharedObject) ID() float64 {
	so.mu.Lock()
	defer so.mu.Unlock()
	if so.buffer == nil {
		return 0
	}
	return so.buffer.UniqueID()
}

// TypeID returns the shared object's buffer type id.
func (so *SharedObject) TypeID() uint32 {
	return so.schema.TypeID
}

// IsDestroyed reports whether finishDestroy has completed.
func (so *SharedObject) IsDestroyed() bool {
	so.mu.Lock()
	defer so.mu.Unlock()
	return so.state == soDestroyed
}

// extractBuffer returns the underlying buffer, or an error if the
// object has already been destroyed (package-level helper mirroring
// spec.md's extractBuffer(so)).
func extractBuffer(so *SharedObject) (*BufferStruct, error) {
	so.mu.Lock()
	defer so.mu.Unlock()
	if so.buffer == nil {
		return nil, ErrUseAfterDestroy
	}
	return so.buffer, nil
}

// Get reads the current cached value of a property (nil if
// undefined).
func (so *SharedObject) Get(name string) (any, error) {
	if _, err := so.schema.Field(name); err != nil {
		return nil, err
	}
	so.mu.Lock()
	defer so.mu.Unlock()
	return so.curProps[name], nil
}

// Set stages a local write: it updates the cached value immediately
// and schedules a mutation cycle to flush it to the buffer.
func (so *SharedObject) Set(name string, value any) error {
	f, err := so.schema.Field(name)
	if err != nil {
		return err
	}
	if value != nil {
		if err := validateKind(f.Kind, value); err != nil {
			return err
		}
	} else if !f.AllowUndefined {
		return ErrUnknownProperty
	}

	so.mu.Lock()
	if so.state == soDestroyed {
		so.mu.Unlock()
		return ErrUseAfterDestroy
	}
	so.curProps[name] = value
	so.mutations[name] = struct{}{}
	so.mu.Unlock()

	so.queueMutations()
	return nil
}

func validateKind(kind PropertyKind, value any) error {
	switch kind {
	case KindNumber:
		if _, ok := value.(float64); !ok {
			return pkgerrors.Errorf("threadx: expected float64, got %T", value)
		}
	case KindInt32:
		if _, ok := value.(int32); !ok {
			return pkgerrors.Errorf("threadx: expected int32, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return pkgerrors.Errorf("threadx: expected bool, got %T", value)
		}
	case KindString:
		if _, ok := value.(string); !ok {
			return pkgerrors.Errorf("threadx: expected string, got %T", value)
		}
	}
	return nil
}

// Typed convenience wrappers over Get/Set, the thin per-field sugar
// spec.md §9's design note allows alongside the generic get/set pair.
func (so *SharedObject) GetNumber(name string) (float64, error) {
	v, err := so.Get(name)
	if err != nil || v == nil {
		return 0, err
	}
	return v.(float64), nil
}
func (so *SharedObject) SetNumber(name string, value float64) error { return so.Set(name, value) }

func (so *SharedObject) GetString(name string) (string, error) {
	v, err := so.Get(name)
	if err != nil || v == nil {
		return "", err
	}
	return v.(string), nil
}
func (so *SharedObject) SetString(name string, value string) error { return so.Set(name, value) }

func (so *SharedObject) GetBool(name string) (bool, error) {
	v, err := so.Get(name)
	if err != nil || v == nil {
		return false, err
	}
	return v.(bool), nil
}
func (so *SharedObject) SetBool(name string, value bool) error { return so.Set(name, value) }

func (so *SharedObject) GetInt32(name string) (int32, error) {
	v, err := so.Get(name)
	if err != nil || v == nil {
		return 0, err
	}
	return v.(int32), nil
}
func (so *SharedObject) SetInt32(name string, value int32) error { return so.Set(name, value) }

// --- Event emitter surface --------------------------------------------

// On registers a listener for event.
func (so *SharedObject) On(event string, fn Listener) uint64 { return so.emitter.On(event, fn) }

// Once registers a listener that fires at most once.
func (so *SharedObject) Once(event string, fn Listener) uint64 { return so.emitter.Once(event, fn) }

// Off removes every listener for event.
func (so *SharedObject) Off(event string) { so.emitter.Off(event) }

// EmitOptions controls a single Emit call.
type EmitOptions struct {
	// LocalOnly suppresses forwarding the event to the peer.
	LocalOnly bool
}

// Emit fires event for every local listener and, unless
// opts.LocalOnly, asks the router to forward it to this object's one
// peer (spec.md §4.3).
func (so *SharedObject) Emit(event string, data any, opts ...EmitOptions) {
	localOnly := false
	if len(opts) > 0 {
		localOnly = opts[0].LocalOnly
	}
	if !localOnly && so.host != nil {
		so.host.reportSharedObjectEmit(so, event, data)
	}
	so.emitter.Emit(so, event, data)
}

// --- Mutation cycle -----------------------------------------------------

// queueMutations is idempotent: it marks a cycle as pending and
// coalesces repeated calls into a single scheduled run, mirroring
// gaio's notifyPending (a non-blocking send to a capacity-1 channel).
func (so *SharedObject) queueMutations() {
	if so.mutationsQueued.CompareAndSwap(false, true) {
		select {
		case so.queueCh <- struct{}{}:
		default:
		}
	}
}

// loop is the SharedObject's private goroutine: one per instance,
// running mutation cycles in response to queueMutations signals,
// until the object is destroyed.
func (so *SharedObject) loop() {
	// queueCh is never closed: queueMutations does a non-blocking
	// send, so a goroutine that has already returned here simply
	// leaves that send a no-op instead of panicking on a closed
	// channel.
	for range so.queueCh {
		so.mutationsQueued.Store(false)
		so.mutationMicrotask()

		so.mu.Lock()
		done := so.state == soDestroyed
		so.mu.Unlock()
		if done {
			return
		}
	}
}

// mutationMicrotask acquires the buffer lock (async) and runs one
// reconciliation cycle; if the object is mid-destroy, it then runs
// finishDestroy.
func (so *SharedObject) mutationMicrotask() {
	so.cycleMu.Lock()
	defer so.cycleMu.Unlock()

	so.mu.Lock()
	buf := so.buffer
	destroying := so.state == soDestroying
	so.mu.Unlock()
	if buf == nil {
		return
	}

	err := buf.LockAsync(context.Background(), func() error {
		so.executeMutationsLocked()
		return nil
	})
	if err != nil {
		so.log.Error("threadx: mutation cycle failed to acquire lock", zap.Error(err))
		return
	}

	if destroying {
		so.finishDestroy()
	}
}

// executeMutationsLocked runs one reconciliation cycle. The caller
// must either hold the buffer lock, or be the constructor (before any
// peer exists), per spec.md §4.3.
func (so *SharedObject) executeMutationsLocked() {
	so.mu.Lock()
	buf := so.buffer
	so.mu.Unlock()
	if buf == nil {
		return
	}

	myWorkerID := uint32(0)
	if so.host != nil {
		myWorkerID = uint32(so.host.workerID())
	}

	notifyVal := buf.NotifyWord()
	if notifyVal != myWorkerID && buf.IsDirtyAny() {
		so.processDirtyProperties(buf)
	}

	so.mu.Lock()
	names := make([]string, 0, len(so.mutations))
	for name := range so.mutations {
		names = append(names, name)
	}
	for _, name := range names {
		delete(so.mutations, name)
	}
	so.mu.Unlock()

	flushedAny := false
	for _, name := range names {
		so.mu.Lock()
		v := so.curProps[name]
		so.mu.Unlock()
		if err := buf.SetAny(name, v); err != nil {
			so.log.Error("threadx: flushing mutation failed", zap.String("property", name), zap.Error(err))
			continue
		}
		flushedAny = true
	}
	_ = flushedAny

	// Invalidate any outstanding wait: bump the generation so a
	// resolving wait from a previous cycle becomes a no-op.
	so.mu.Lock()
	so.waitGeneration++
	myGen := so.waitGeneration
	if so.waitCancel != nil {
		so.waitCancel()
		so.waitCancel = nil
	}
	so.mu.Unlock()

	var expected uint32
	if buf.IsDirtyAny() {
		buf.NotifyValue(myWorkerID)
		expected = myWorkerID
	} else {
		expected = buf.NotifyWord()
	}

	ctx, cancel := context.WithCancel(context.Background())
	so.mu.Lock()
	so.waitCancel = cancel
	so.mu.Unlock()

	go so.awaitNotify(ctx, buf, expected, myGen)
}

// processDirtyProperties adopts every peer-dirtied property into
// curProps, drops any conflicting locally-staged mutation for it, and
// (once initialized) fires OnPropertyChange.
func (so *SharedObject) processDirtyProperties(buf *BufferStruct) {
	for _, propNum := range buf.DirtyProps() {
		name, newVal, err := buf.GetAnyByNum(propNum)
		if err != nil {
			so.log.Error("threadx: reading dirty property failed", zap.Int("propNum", propNum), zap.Error(err))
			continue
		}

		so.mu.Lock()
		oldVal := so.curProps[name]
		so.curProps[name] = newVal
		delete(so.mutations, name)
		initialized := so.state != soFresh
		hook := so.OnPropertyChange
		so.mu.Unlock()

		if initialized && hook != nil {
			hook(name, newVal, oldVal)
		}
	}
	buf.ResetDirty()
}

// awaitNotify parks on the notify word; if it resolves with WaitOK
// and this is still the most recent wait started for this object (and
// the object isn't destroyed), it schedules the next mutation cycle.
func (so *SharedObject) awaitNotify(ctx context.Context, buf *BufferStruct, expected uint32, gen uint64) {
	res := buf.WaitAsync(ctx, expected)
	if res != WaitOK {
		return
	}

	so.mu.Lock()
	isLatest := gen == so.waitGeneration
	destroyed := so.state == soDestroyed
	so.mu.Unlock()

	if isLatest && !destroyed {
		so.queueMutations()
	}
}

// Flush synchronously drains any pending local mutations through one
// reconciliation cycle.
func (so *SharedObject) Flush() error {
	so.mu.Lock()
	if so.state == soDestroyed {
		so.mu.Unlock()
		return ErrUseAfterDestroy
	}
	so.mu.Unlock()

	so.cycleMu.Lock()
	buf, err := extractBuffer(so)
	if err != nil {
		so.cycleMu.Unlock()
		return err
	}
	err = buf.LockAsync(context.Background(), func() error {
		so.executeMutationsLocked()
		return nil
	})
	so.cycleMu.Unlock()
	return err
}

// --- Destruction ---------------------------------------------------------

// Destroy is idempotent. It emits beforeDestroy locally, invokes
// OnDestroy, and queues one final mutation cycle to flush outstanding
// writes before teardown completes asynchronously in finishDestroy.
func (so *SharedObject) Destroy() {
	so.mu.Lock()
	if so.state == soDestroying || so.state == soDestroyed {
		so.mu.Unlock()
		return
	}
	so.state = soDestroying
	so.mu.Unlock()

	so.emitter.Emit(so, "beforeDestroy", nil)
	if so.OnDestroy != nil {
		so.OnDestroy()
	}
	so.queueMutations()
}

// finishDestroy runs inside the mutation-cycle goroutine, immediately
// after the final cycle queued by Destroy completes: it asks the
// router to silently forget this object, detaches the buffer, wakes
// any peer still parked on the notify word, emits afterDestroy, and
// clears all listeners.
func (so *SharedObject) finishDestroy() {
	if so.host != nil {
		so.host.forgetLocalSilently(so)
	}

	so.mu.Lock()
	buf := so.buffer
	so.buffer = nil
	so.state = soDestroyed
	so.mu.Unlock()

	if buf != nil {
		buf.Notify()
	}

	so.emitter.Emit(so, "afterDestroy", nil)
	so.emitter.Clear()
}
