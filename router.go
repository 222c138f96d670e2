package threadx

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	uberatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Control message discriminator values, carried in wireMessage's
// ThreadXMessageType field under the literal field name
// "threadXMessageType" (spec.md §6's wire-compatibility requirement:
// any peer built against the original spec must be able to parse this
// envelope).
const (
	msgReady         = "ready"
	msgShareObjects  = "shareObjects"
	msgForgetObjects = "forgetObjects"
	msgSharedObjEmit = "sharedObjectEmit"
	msgResponse      = "response"
	msgClose         = "close"
)

// wireMessage is the envelope Payload every control and user message
// travels in. ThreadXMessageType and AsyncMsgID carry the two field
// names spec.md §6 fixes literally; everything else is this module's
// own business and isn't constrained by the spec's wire shape.
type wireMessage struct {
	ThreadXMessageType string `json:"threadXMessageType,omitempty"`
	AsyncMsgID         uint64 `json:"__asyncMsgId,omitempty"`

	Buffers        [][]byte  `json:"buffers,omitempty"`
	ObjectIDs      []float64 `json:"objectIds,omitempty"`
	SharedObjectID float64   `json:"sharedObjectId,omitempty"`
	EventName      string    `json:"eventName,omitempty"`
	Data           any       `json:"data,omitempty"`

	IsError  bool   `json:"error,omitempty"`
	ErrorMsg string `json:"errorMsg,omitempty"`

	UserPayload any `json:"userPayload,omitempty"`
}

// SharedObjectFactory identifies the concrete schema for an incoming
// buffer (typically by inspecting ExtractTypeID(mem.Bytes())) and
// constructs the matching SharedObject via NewSharedObjectFromBuffer.
// Returning (nil, nil) means "no schema recognizes this type id",
// which the router treats as a loud FactoryFailure rather than
// silently dropping the object (spec.md §4.4).
type SharedObjectFactory func(mem SharedMemory, r *Router) (*SharedObject, error)

// Options configures a Router.
type Options struct {
	WorkerID   int
	WorkerName string

	// ParentTransport, when set, is auto-registered under the peer
	// name "parent" with its ready-promise resolved immediately and a
	// ready message posted on it. This is this port's stand-in for
	// spec.md's "a dedicated worker global always has exactly one
	// ready-made peer, its parent" — Go has no equivalent runtime
	// introspection for "am I a top-level worker", so the caller
	// states it explicitly instead.
	ParentTransport Transport

	SharedObjectFactory     SharedObjectFactory
	OnObjectShared          func(so *SharedObject)
	OnBeforeObjectForgotten func(so *SharedObject)

	// OnMessage handles any message that isn't a recognized control
	// message. If the incoming message carried an asyncMsgId, the
	// return value (or error) is wrapped into a response and posted
	// back to the sender (spec.md §4.4 "Receive").
	OnMessage func(ctx context.Context, fromPeer string, payload any) (any, error)

	Logger *zap.Logger

	// CloseTimeout is the default closeWorker grace period if none is
	// passed to CloseWorker explicitly.
	CloseTimeout time.Duration
}

type peerState struct {
	name      string
	transport Transport

	readyMu       sync.Mutex
	readyResolved bool
	readyCh       chan struct{}
}

func newPeerState(name string, t Transport) *peerState {
	return &peerState{name: name, transport: t, readyCh: make(chan struct{})}
}

// resolveReady marks the peer ready, returning true the first time it
// does so (subsequent calls are no-ops, since readyCh can only close
// once).
func (ps *peerState) resolveReady() bool {
	ps.readyMu.Lock()
	defer ps.readyMu.Unlock()
	if !ps.readyResolved {
		ps.readyResolved = true
		close(ps.readyCh)
		return true
	}
	return false
}

type objectState struct {
	so             *SharedObject
	peer           string
	shareConfirmed bool
	emitQueue      []queuedEmit
}

type queuedEmit struct {
	event string
	data  any
}

type pendingRequest struct {
	resultCh chan asyncResult
}

type asyncResult struct {
	data any
	err  error
}

// SendAsyncOptions tunes a single SendAsync/forceful-close call.
type SendAsyncOptions struct {
	// SkipResponseWait posts the message and returns immediately
	// without waiting for (or expecting) a response.
	SkipResponseWait bool
}

// ForgetOptions tunes a single ForgetObjects call.
type ForgetOptions struct {
	// Silent suppresses the forgetObjects control message to the
	// peer — used when the peer already knows (e.g. it initiated the
	// forget, or is gone).
	Silent bool
}

// Router is the peer registry and message dispatcher spec.md §4.4
// describes: every worker in a threadx topology owns exactly one, and
// every SharedObject that crosses a worker boundary is registered with
// it. It implements sharedObjectHost so SharedObject can report emits
// and destruction without importing Router directly.
type Router struct {
	opts Options
	log  *zap.Logger

	idGen *IDGenerator

	mu      sync.Mutex
	peers   map[string]*peerState
	objects map[float64]*objectState
	pending map[uint64]*pendingRequest
	closed  bool

	nextAsyncMsgID uberatomic.Uint64

	events *emitter
}

// Router-level lifecycle events, fired on the shared emitter capability
// (spec.md §9 "Event emitter" design note, applied uniformly per
// SPEC_FULL.md §2.4). The source passed to listeners is the *Router.
const (
	EventPeerRegistered  = "peerRegistered"
	EventPeerReady       = "peerReady"
	EventObjectShared    = "objectShared"
	EventObjectForgotten = "objectForgotten"
)

// On registers fn for a router-level lifecycle event.
func (r *Router) On(event string, fn Listener) uint64 { return r.events.On(event, fn) }

// Once registers fn to fire at most once for a router-level lifecycle event.
func (r *Router) Once(event string, fn Listener) uint64 { return r.events.Once(event, fn) }

// Off removes every listener registered for event.
func (r *Router) Off(event string) { r.events.Off(event) }

// OffByID removes a single listener previously returned by On/Once.
func (r *Router) OffByID(event string, id uint64) { r.events.OffByID(event, id) }

// NewRouter constructs a Router. Most callers should use Init/Instance
// instead of calling this directly, to get the process-wide singleton
// spec.md §4.4 names.
func NewRouter(opts Options) (*Router, error) {
	if opts.WorkerID <= 0 {
		return nil, pkgerrors.New("threadx: Options.WorkerID must be positive")
	}
	log := opts.Logger
	if log == nil {
		log = nopLogger()
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}

	r := &Router{
		opts:    opts,
		log:     log,
		idGen:   NewIDGenerator(opts.WorkerID),
		peers:   map[string]*peerState{},
		objects: map[float64]*objectState{},
		pending: map[uint64]*pendingRequest{},
		events:  newEmitter(),
	}

	if opts.ParentTransport != nil {
		if err := r.RegisterWorker("parent", opts.ParentTransport); err != nil {
			return nil, err
		}
		r.mu.Lock()
		ps := r.peers["parent"]
		r.mu.Unlock()
		if ps.resolveReady() {
			r.events.Emit(r, EventPeerReady, "parent")
		}
	}

	return r, nil
}

// --- sharedObjectHost -----------------------------------------------------

func (r *Router) workerID() int { return r.opts.WorkerID }

// reportSharedObjectEmit forwards a local Emit to the object's one
// peer, or — if the object hasn't finished its initial shareObjects
// round trip yet — queues the emit to replay once sharing confirms
// (spec.md §4.4's "emits before the share confirms are queued, not
// dropped").
func (r *Router) reportSharedObjectEmit(so *SharedObject, event string, data any) {
	r.mu.Lock()
	st, ok := r.objects[so.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !st.shareConfirmed {
		st.emitQueue = append(st.emitQueue, queuedEmit{event: event, data: data})
		r.mu.Unlock()
		return
	}
	peer := st.peer
	r.mu.Unlock()

	wm := wireMessage{ThreadXMessageType: msgSharedObjEmit, SharedObjectID: so.ID(), EventName: event, Data: data}
	if err := r.postControl(context.Background(), peer, wm); err != nil {
		r.log.Warn("threadx: failed to forward shared object emit", zap.String("peer", peer), zap.Error(err))
	}
}

// forgetLocalSilently removes a destroyed object from the registry
// without notifying the peer — the peer already observed destruction
// via the buffer's notify word going quiet, per spec.md's one-peer
// invariant: there is nothing left to tell it that isn't already
// visible in shared memory.
func (r *Router) forgetLocalSilently(so *SharedObject) {
	r.mu.Lock()
	delete(r.objects, so.ID())
	r.mu.Unlock()
}

// --- Peer registry ---------------------------------------------------------

// RegisterWorker adds name to the peer registry, starts consuming its
// transport's Messages channel in a background goroutine, and
// announces readiness to it. The peer's own ready-promise (gating our
// sends to it) resolves the first time it posts its own ready control
// message back (or, for ParentTransport, immediately, since a parent
// transport is assumed pre-connected).
//
// The readiness announcement itself must not wait on anything — it is
// how readiness gets established in the first place — so it is posted
// directly against the transport rather than through
// postControl/awaitReady.
func (r *Router) RegisterWorker(name string, t Transport) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterNotInitialized
	}
	if _, exists := r.peers[name]; exists {
		r.mu.Unlock()
		return pkgerrors.Errorf("threadx: worker %q already registered", name)
	}
	ps := newPeerState(name, t)
	r.peers[name] = ps
	r.mu.Unlock()

	go r.listen(ps)
	go func() {
		if err := t.Post(context.Background(), Envelope{Payload: wireMessage{ThreadXMessageType: msgReady}}); err != nil {
			r.log.Warn("threadx: failed to announce ready", zap.String("peer", name), zap.Error(err))
		}
	}()
	r.events.Emit(r, EventPeerRegistered, name)
	return nil
}

func (r *Router) listen(ps *peerState) {
	for env := range ps.transport.Messages() {
		r.dispatch(ps, env)
	}
}

func (r *Router) peerOrErr(name string) (*peerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[name]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownWorker, "worker %q", name)
	}
	return ps, nil
}

func (r *Router) awaitReady(ctx context.Context, ps *peerState) error {
	select {
	case <-ps.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Dispatch ---------------------------------------------------------------

func (r *Router) dispatch(ps *peerState, env Envelope) {
	wm, ok := env.Payload.(wireMessage)
	if !ok {
		wm = wireMessage{UserPayload: env.Payload}
	}

	switch wm.ThreadXMessageType {
	case msgReady:
		if ps.resolveReady() {
			r.events.Emit(r, EventPeerReady, ps.name)
		}
	case msgShareObjects:
		r.handleShareObjects(ps, wm)
	case msgForgetObjects:
		r.handleForgetObjects(ps, wm)
	case msgSharedObjEmit:
		r.handleSharedObjectEmit(wm)
	case msgResponse:
		r.handleResponse(wm)
	case msgClose:
		r.handleClose(ps, wm)
	default:
		r.handleUserMessage(ps, wm)
	}
}

func (r *Router) handleUserMessage(ps *peerState, wm wireMessage) {
	handler := r.opts.OnMessage
	if handler == nil {
		if wm.AsyncMsgID != 0 {
			r.replyError(ps, wm.AsyncMsgID, pkgerrors.New("threadx: no OnMessage handler registered"))
		}
		return
	}

	if wm.AsyncMsgID == 0 {
		go func() {
			if _, err := handler(context.Background(), ps.name, wm.UserPayload); err != nil {
				r.log.Warn("threadx: fire-and-forget OnMessage handler failed", zap.Error(err))
			}
		}()
		return
	}

	go func() {
		result, err := handler(context.Background(), ps.name, wm.UserPayload)
		if err != nil {
			r.replyError(ps, wm.AsyncMsgID, err)
			return
		}
		r.reply(ps, wm.AsyncMsgID, result)
	}()
}

func (r *Router) handleShareObjects(ps *peerState, wm wireMessage) {
	if r.opts.SharedObjectFactory == nil {
		r.replyError(ps, wm.AsyncMsgID, pkgerrors.New("threadx: no SharedObjectFactory configured"))
		return
	}

	for _, raw := range wm.Buffers {
		mem, err := WrapSharedMemory(raw)
		if err != nil {
			r.replyError(ps, wm.AsyncMsgID, err)
			return
		}
		so, err := r.opts.SharedObjectFactory(mem, r)
		if err != nil {
			r.replyError(ps, wm.AsyncMsgID, err)
			return
		}
		if so == nil {
			r.replyError(ps, wm.AsyncMsgID, pkgerrors.Wrapf(ErrFactoryFailure, "type id %08x", ExtractTypeID(raw)))
			return
		}

		r.mu.Lock()
		r.objects[so.ID()] = &objectState{so: so, peer: ps.name, shareConfirmed: true}
		r.mu.Unlock()

		if r.opts.OnObjectShared != nil {
			r.opts.OnObjectShared(so)
		}
		r.events.Emit(r, EventObjectShared, so)
	}

	if wm.AsyncMsgID != 0 {
		r.reply(ps, wm.AsyncMsgID, nil)
	}
}

func (r *Router) handleForgetObjects(ps *peerState, wm wireMessage) {
	r.mu.Lock()
	for _, id := range wm.ObjectIDs {
		st, ok := r.objects[id]
		if !ok {
			continue
		}
		delete(r.objects, id)
		if r.opts.OnBeforeObjectForgotten != nil {
			r.mu.Unlock()
			r.opts.OnBeforeObjectForgotten(st.so)
			r.mu.Lock()
		}
		r.mu.Unlock()
		st.so.Destroy()
		r.events.Emit(r, EventObjectForgotten, st.so)
		r.mu.Lock()
	}
	r.mu.Unlock()
}

func (r *Router) handleSharedObjectEmit(wm wireMessage) {
	r.mu.Lock()
	st, ok := r.objects[wm.SharedObjectID]
	r.mu.Unlock()
	if !ok {
		return
	}
	st.so.Emit(wm.EventName, wm.Data, EmitOptions{LocalOnly: true})
}

func (r *Router) handleResponse(wm wireMessage) {
	r.mu.Lock()
	pr, ok := r.pending[wm.AsyncMsgID]
	if ok {
		delete(r.pending, wm.AsyncMsgID)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Error("threadx: unknown async response", zap.Uint64("asyncMsgId", wm.AsyncMsgID), zap.Error(ErrUnknownAsyncResponse))
		return
	}
	if wm.IsError {
		pr.resultCh <- asyncResult{err: pkgerrors.New(wm.ErrorMsg)}
		return
	}
	pr.resultCh <- asyncResult{data: wm.UserPayload}
}

func (r *Router) handleClose(ps *peerState, wm wireMessage) {
	if wm.AsyncMsgID != 0 {
		r.reply(ps, wm.AsyncMsgID, nil)
	}
}

func (r *Router) reply(ps *peerState, asyncMsgID uint64, data any) {
	wm := wireMessage{ThreadXMessageType: msgResponse, AsyncMsgID: asyncMsgID, UserPayload: data}
	if err := ps.transport.Post(context.Background(), Envelope{Payload: wm}); err != nil {
		r.log.Warn("threadx: failed to post response", zap.String("peer", ps.name), zap.Error(err))
	}
}

func (r *Router) replyError(ps *peerState, asyncMsgID uint64, err error) {
	if asyncMsgID == 0 {
		r.log.Error("threadx: unreportable error handling message", zap.String("peer", ps.name), zap.Error(err))
		return
	}
	wm := wireMessage{ThreadXMessageType: msgResponse, AsyncMsgID: asyncMsgID, IsError: true, ErrorMsg: err.Error()}
	if postErr := ps.transport.Post(context.Background(), Envelope{Payload: wm}); postErr != nil {
		r.log.Warn("threadx: failed to post error response", zap.String("peer", ps.name), zap.Error(postErr))
	}
}

// --- Outbound control -------------------------------------------------------

func (r *Router) postControl(ctx context.Context, peerName string, wm wireMessage) error {
	ps, err := r.peerOrErr(peerName)
	if err != nil {
		return err
	}
	if err := r.awaitReady(ctx, ps); err != nil {
		return err
	}
	return ps.transport.Post(ctx, Envelope{Payload: wm})
}

func (r *Router) postControlAsync(ctx context.Context, peerName string, wm wireMessage, opts SendAsyncOptions) (any, error) {
	ps, err := r.peerOrErr(peerName)
	if err != nil {
		return nil, err
	}
	if err := r.awaitReady(ctx, ps); err != nil {
		return nil, err
	}

	id := r.nextAsyncMsgID.Add(1)
	wm.AsyncMsgID = id

	var pr *pendingRequest
	if !opts.SkipResponseWait {
		pr = &pendingRequest{resultCh: make(chan asyncResult, 1)}
		r.mu.Lock()
		r.pending[id] = pr
		r.mu.Unlock()
	}

	if err := ps.transport.Post(ctx, Envelope{Payload: wm}); err != nil {
		if pr != nil {
			r.mu.Lock()
			delete(r.pending, id)
			r.mu.Unlock()
		}
		return nil, err
	}
	if pr == nil {
		return nil, nil
	}

	select {
	case res := <-pr.resultCh:
		return res.data, res.err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// --- Public send/receive API ------------------------------------------------

// Send posts payload to peerName, fire-and-forget (spec.md §4.4).
func (r *Router) Send(ctx context.Context, peerName string, payload any) error {
	return r.postControl(ctx, peerName, wireMessage{UserPayload: payload})
}

// SendAsync posts payload to peerName and waits for a response, unless
// opts requests SkipResponseWait.
func (r *Router) SendAsync(ctx context.Context, peerName string, payload any, opts ...SendAsyncOptions) (any, error) {
	var o SendAsyncOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return r.postControlAsync(ctx, peerName, wireMessage{UserPayload: payload}, o)
}

// ShareObjects hands each object's backing buffer to peerName, marking
// every object as owned by that peer. Re-sharing an object that's
// already shared is refused with a warning, not an error — spec.md §9's
// resolved Open Question that one-peer-per-object is enforced, not
// merely documented.
func (r *Router) ShareObjects(ctx context.Context, peerName string, objects []*SharedObject) error {
	if len(objects) == 0 {
		return nil
	}

	var fresh []*SharedObject
	var buffers [][]byte
	r.mu.Lock()
	for _, so := range objects {
		if _, already := r.objects[so.ID()]; already {
			r.log.Warn("threadx: object already shared, ignoring re-share", zap.Float64("id", so.ID()))
			continue
		}
		buf, err := extractBuffer(so)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.objects[so.ID()] = &objectState{so: so, peer: peerName, shareConfirmed: false}
		fresh = append(fresh, so)
		buffers = append(buffers, buf.Memory().Bytes())
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	_, err := r.postControlAsync(ctx, peerName, wireMessage{ThreadXMessageType: msgShareObjects, Buffers: buffers}, SendAsyncOptions{})
	if err != nil {
		r.mu.Lock()
		for _, so := range fresh {
			delete(r.objects, so.ID())
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	for _, so := range fresh {
		st := r.objects[so.ID()]
		st.shareConfirmed = true
		queued := st.emitQueue
		st.emitQueue = nil
		r.mu.Unlock()
		for _, qe := range queued {
			r.reportSharedObjectEmit(so, qe.event, qe.data)
		}
		r.events.Emit(r, EventObjectShared, so)
		r.mu.Lock()
	}
	r.mu.Unlock()

	return nil
}

// ForgetObjects removes objects from the registry and (unless
// opts.Silent) tells each owning peer they are gone. Objects the
// registry doesn't recognize are skipped with a warning rather than an
// error.
func (r *Router) ForgetObjects(ctx context.Context, objects []*SharedObject, opts ...ForgetOptions) error {
	var o ForgetOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	byPeer := map[string][]float64{}
	var forgotten []*SharedObject
	r.mu.Lock()
	for _, so := range objects {
		id := so.ID()
		st, ok := r.objects[id]
		if !ok {
			r.log.Warn("threadx: forgetObjects on unknown object", zap.Float64("id", id))
			continue
		}
		byPeer[st.peer] = append(byPeer[st.peer], id)
		delete(r.objects, id)
		forgotten = append(forgotten, so)
	}
	r.mu.Unlock()

	for _, so := range forgotten {
		r.events.Emit(r, EventObjectForgotten, so)
	}

	if o.Silent {
		return nil
	}

	var firstErr error
	for peer, ids := range byPeer {
		wm := wireMessage{ThreadXMessageType: msgForgetObjects, ObjectIDs: ids}
		if err := r.postControl(ctx, peer, wm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewLocalObject constructs a fresh, locally-owned SharedObject: its
// initial values are staged as mutations so the constructor's first
// cycle writes them into the (brand new) buffer.
func (r *Router) NewLocalObject(schema *Schema, initial map[string]any) *SharedObject {
	buf := NewBufferStruct(schema, r.idGen, r.log)
	return NewSharedObject(buf, initial, true, r, r.log)
}

// GetSharedObjectById returns the SharedObject registered under id, or
// nil if this router has never shared or been shared that object
// (spec.md §6, scenario S6 "getSharedObjectById returns null on both
// sides").
func (r *Router) GetSharedObjectById(id float64) *SharedObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.objects[id]
	if !ok {
		return nil
	}
	return st.so
}

// GenerateUniqueId mints the next id from this worker's IDGenerator
// (spec.md §6, §4.4 invariant 3).
func (r *Router) GenerateUniqueId() float64 {
	return r.idGen.Next()
}

// CloseWorker asks peerName to acknowledge a close within timeout (or
// Options.CloseTimeout if timeout <= 0). If the peer responds in time,
// it returns "graceful"; otherwise the transport is force-closed and
// every request still pending against that peer is rejected with
// ErrWorkerClosed (spec.md §9's resolved Open Question), returning
// "forced".
func (r *Router) CloseWorker(ctx context.Context, peerName string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = r.opts.CloseTimeout
	}

	ps, err := r.peerOrErr(peerName)
	if err != nil {
		return "", err
	}

	closeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = r.postControlAsync(closeCtx, peerName, wireMessage{ThreadXMessageType: msgClose}, SendAsyncOptions{})
	r.mu.Lock()
	delete(r.peers, peerName)
	r.mu.Unlock()

	if err == nil {
		_ = ps.transport.Close()
		return "graceful", nil
	}

	r.log.Warn("threadx: worker did not ack close before timeout, forcing", zap.String("peer", peerName), zap.Duration("timeout", timeout))
	_ = ps.transport.Close()

	r.mu.Lock()
	var stale []uint64
	for id, pr := range r.pending {
		select {
		case pr.resultCh <- asyncResult{err: ErrWorkerClosed}:
		default:
		}
		stale = append(stale, id)
	}
	for _, id := range stale {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	return "forced", nil
}

// Destroy tears down the router: every peer transport is closed and
// every still-pending request is rejected with ErrWorkerClosed.
func (r *Router) Destroy() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*peerState, 0, len(r.peers))
	for _, ps := range r.peers {
		peers = append(peers, ps)
	}
	pendings := make([]*pendingRequest, 0, len(r.pending))
	for _, pr := range r.pending {
		pendings = append(pendings, pr)
	}
	r.pending = map[uint64]*pendingRequest{}
	r.mu.Unlock()

	for _, pr := range pendings {
		select {
		case pr.resultCh <- asyncResult{err: ErrWorkerClosed}:
		default:
		}
	}
	for _, ps := range peers {
		_ = ps.transport.Close()
	}
}
