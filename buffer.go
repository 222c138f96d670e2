package threadx

import (
	"context"
	"encoding/binary"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BufferStruct is a typed, schema-driven view over a SharedMemory
// region: a fixed 40-byte header (type id, notify word, lock word,
// reserved padding, unique id, dirty bitmask, undefined bitmask)
// followed by a statically-derived property layout (spec.md §3,
// §4.2). It implements the spinning/waiting mutex and the
// futex-style notify/wait channel the rest of the core builds on.
type BufferStruct struct {
	mem    SharedMemory
	schema *Schema
	lockID uint32
	log    *zap.Logger
}

// newLockID mints a random-but-distinct non-zero holder id for one
// BufferStruct view, so two views over the same buffer (e.g. this
// worker's and a future re-wrap) never share a holder identity.
// Grounded in orbas1-Synnergy's use of google/uuid for identifiers
// throughout core/ (SPEC_FULL.md §3.3): we fold a UUID down to 32
// bits rather than reach for math/rand.
func newLockID() uint32 {
	id := uuid.New()
	var v uint32
	for i := 0; i < len(id); i += 4 {
		v ^= binary.LittleEndian.Uint32(id[i : i+4])
	}
	if v == 0 {
		v = 1
	}
	return v
}

// NewBufferStruct allocates a fresh buffer sized for schema, stamps
// the type id, mints and stores a unique id from gen, and marks every
// nullable property undefined.
func NewBufferStruct(schema *Schema, gen *IDGenerator, log *zap.Logger) *BufferStruct {
	if log == nil {
		log = nopLogger()
	}
	mem := NewSharedMemory(schema.BufferSize())
	b := &BufferStruct{mem: mem, schema: schema, lockID: newLockID(), log: log}

	mem.StoreUint32(wordTypeID, schema.TypeID)
	mem.StoreFloat64(wordUniqueLo, gen.Next())

	var undef0, undef1 uint32
	for _, f := range schema.fields {
		if f.AllowUndefined {
			wordIdx, bit := undefWordAndBit(f.PropNum)
			if wordIdx == wordUndef0 {
				undef0 |= bit
			} else {
				undef1 |= bit
			}
		}
	}
	mem.StoreUint32(wordUndef0, undef0)
	mem.StoreUint32(wordUndef1, undef1)
	return b
}

// WrapBufferStruct constructs a view over an existing SharedMemory
// region, failing loudly if its type id doesn't match schema
// (spec.md invariant 2).
func WrapBufferStruct(schema *Schema, mem SharedMemory, log *zap.Logger) (*BufferStruct, error) {
	if log == nil {
		log = nopLogger()
	}
	got := mem.LoadUint32(wordTypeID)
	if got != schema.TypeID {
		return nil, errors.Wrapf(ErrTypeIDMismatch, "buffer has type %q, expected %q", DecodeTypeID(got), schema.TypeTag)
	}
	return &BufferStruct{mem: mem, schema: schema, lockID: newLockID(), log: log}, nil
}

// ExtractTypeID returns the header's type id word without validating
// it, or 0 if buf is too small / misaligned to have a header at all.
func ExtractTypeID(buf []byte) uint32 {
	if len(buf) < headerSize || len(buf)%8 != 0 {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[wordTypeID*4 : wordTypeID*4+4])
}

// Memory exposes the underlying SharedMemory, e.g. so a SharedObject
// can hand the raw buffer to the router for a shareObjects message.
func (b *BufferStruct) Memory() SharedMemory { return b.mem }

// Schema returns the property schema this view was constructed with.
func (b *BufferStruct) Schema() *Schema { return b.schema }

// TypeID returns the buffer's (immutable) type id.
func (b *BufferStruct) TypeID() uint32 { return b.mem.LoadUint32(wordTypeID) }

// UniqueID returns the buffer's unique id, assigned once at creation.
func (b *BufferStruct) UniqueID() float64 { return b.mem.LoadFloat64(wordUniqueLo) }

func dirtyWordAndBit(propNum int) (wordIdx int, bit uint32) {
	if propNum < 32 {
		return wordDirty0, 1 << uint(propNum)
	}
	return wordDirty1, 1 << uint(propNum-32)
}

func undefWordAndBit(propNum int) (wordIdx int, bit uint32) {
	if propNum < 32 {
		return wordUndef0, 1 << uint(propNum)
	}
	return wordUndef1, 1 << uint(propNum-32)
}

func (b *BufferStruct) setDirty(propNum int) {
	wordIdx, bit := dirtyWordAndBit(propNum)
	b.mem.StoreUint32(wordIdx, b.mem.LoadUint32(wordIdx)|bit)
}

// IsDirty reports whether propNum's dirty bit is set.
func (b *BufferStruct) IsDirty(propNum int) bool {
	wordIdx, bit := dirtyWordAndBit(propNum)
	return b.mem.LoadUint32(wordIdx)&bit != 0
}

// IsDirtyAny reports whether any property's dirty bit is set.
func (b *BufferStruct) IsDirtyAny() bool {
	return b.mem.LoadUint32(wordDirty0) != 0 || b.mem.LoadUint32(wordDirty1) != 0
}

// DirtyProps returns the prop numbers whose dirty bit is currently
// set, in ascending order.
func (b *BufferStruct) DirtyProps() []int {
	var out []int
	w0, w1 := b.mem.LoadUint32(wordDirty0), b.mem.LoadUint32(wordDirty1)
	for i := 0; i < 32; i++ {
		if w0&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	for i := 0; i < 32; i++ {
		if w1&(1<<uint(i)) != 0 {
			out = append(out, i+32)
		}
	}
	return out
}

func (b *BufferStruct) isUndefined(propNum int) bool {
	wordIdx, bit := undefWordAndBit(propNum)
	return b.mem.LoadUint32(wordIdx)&bit != 0
}

func (b *BufferStruct) setUndefined(propNum int, undefined bool) (changed bool) {
	wordIdx, bit := undefWordAndBit(propNum)
	cur := b.mem.LoadUint32(wordIdx)
	was := cur&bit != 0
	if was == undefined {
		return false
	}
	if undefined {
		b.mem.StoreUint32(wordIdx, cur|bit)
	} else {
		b.mem.StoreUint32(wordIdx, cur&^bit)
	}
	return true
}

// ResetDirty zeros the notify word and both dirty bitmask words.
// Always called while the lock is held (spec.md §4.2); non-atomic in
// spirit even though the individual stores are atomic instructions,
// since nothing but the lock holder is meant to observe the
// intermediate state.
func (b *BufferStruct) ResetDirty() {
	b.mem.StoreUint32(wordNotify, 0)
	b.mem.StoreUint32(wordDirty0, 0)
	b.mem.StoreUint32(wordDirty1, 0)
}

// --- Lock protocol -----------------------------------------------

// LockAsync acquires the lock (parking on ctx-aware async wait when
// contended), runs fn, and releases the lock before returning —
// always, even if fn panics or returns an error — mirroring the
// spec's "finally-equivalent" release guarantee.
func (b *BufferStruct) LockAsync(ctx context.Context, fn func() error) (err error) {
	for !b.mem.CompareAndSwapUint32(wordLock, 0, b.lockID) {
		held := b.mem.LoadUint32(wordLock)
		if held == 0 {
			continue // raced with a concurrent release, retry CAS immediately
		}
		waitWithTimeoutCtx(ctx, b.mem, wordLock, held)
	}

	defer func() {
		b.mem.StoreUint32(wordLock, 0)
		b.mem.Notify(wordLock)
	}()

	return fn()
}

// Lock is the synchronous, blocking counterpart of LockAsync. In a
// goroutine-based port, blocking and async parking are both
// implemented the same way (a goroutine parked on a channel costs
// nothing like an OS thread would), so this never degrades to the
// busy-spin spec.md reserves for a UI main thread; LockSpin exists
// separately for that documented degraded case.
func (b *BufferStruct) Lock(fn func() error) error {
	return b.LockAsync(context.Background(), fn)
}

// LockSpin is the busy-spin degraded form of Lock spec.md §4.2
// reserves for contexts where blocking wait is unavailable (a
// browser main thread). Ported for fidelity; callers on a normal
// goroutine should prefer Lock/LockAsync.
func (b *BufferStruct) LockSpin(fn func() error) (err error) {
	for !b.mem.CompareAndSwapUint32(wordLock, 0, b.lockID) {
		// busy spin: no park, no wait
	}
	defer func() {
		b.mem.StoreUint32(wordLock, 0)
		b.mem.Notify(wordLock)
	}()
	return fn()
}

func waitWithTimeoutCtx(ctx context.Context, mem SharedMemory, wordIdx int, expected uint32) WaitResult {
	return mem.Wait(ctx, wordIdx, expected)
}

// --- Notify/wait channel -------------------------------------------

// Notify stores v (if given, via NotifyValue) to the notify word and
// wakes every parked waiter.
func (b *BufferStruct) Notify() {
	b.mem.Notify(wordNotify)
}

// NotifyValue atomically stores v to the notify word, then wakes
// every parked waiter — the "bump the notify word to our worker id"
// step in spec.md §2's data-flow description.
func (b *BufferStruct) NotifyValue(v uint32) {
	b.mem.StoreUint32(wordNotify, v)
	b.mem.Notify(wordNotify)
}

// NotifyWord returns the current notify word value (last mutator's
// worker id).
func (b *BufferStruct) NotifyWord() uint32 {
	return b.mem.LoadUint32(wordNotify)
}

// Wait blocks until the notify word differs from expected or timeout
// elapses (timeout<=0 means wait forever).
func (b *BufferStruct) Wait(expected uint32, timeout time.Duration) WaitResult {
	return waitWithTimeout(b.mem, wordNotify, expected, timeout)
}

// WaitAsync is the async counterpart of Wait, honoring ctx
// cancellation instead of (or in addition to) a timeout.
func (b *BufferStruct) WaitAsync(ctx context.Context, expected uint32) WaitResult {
	return b.mem.Wait(ctx, wordNotify, expected)
}

// --- Property get/set ------------------------------------------------

func (b *BufferStruct) field(name string, kind PropertyKind) (propField, error) {
	f, err := b.schema.Field(name)
	if err != nil {
		return propField{}, err
	}
	if f.Kind != kind {
		return propField{}, errors.Errorf("threadx: property %q is %v, not %v", name, f.Kind, kind)
	}
	return f, nil
}

// GetNumber reads a float64 property. ok is false if the property is
// currently undefined, in which case value is meaningless.
func (b *BufferStruct) GetNumber(name string) (value float64, ok bool, err error) {
	f, err := b.field(name, KindNumber)
	if err != nil {
		return 0, false, err
	}
	if f.AllowUndefined && b.isUndefined(f.PropNum) {
		return 0, false, nil
	}
	return b.mem.LoadFloat64(f.ByteOffset / 4), true, nil
}

// SetNumber writes a float64 property, clearing any undefined state.
// A write equal to the current value leaves the dirty bit untouched.
func (b *BufferStruct) SetNumber(name string, value float64) error {
	f, err := b.field(name, KindNumber)
	if err != nil {
		return err
	}
	wasUndefined := f.AllowUndefined && b.isUndefined(f.PropNum)
	if !wasUndefined {
		if cur := b.mem.LoadFloat64(f.ByteOffset / 4); cur == value {
			return nil
		}
	}
	b.mem.StoreFloat64(f.ByteOffset/4, value)
	if f.AllowUndefined {
		b.setUndefined(f.PropNum, false)
	}
	b.setDirty(f.PropNum)
	return nil
}

// SetUndefined marks a nullable property undefined. A no-op if it is
// already undefined.
func (b *BufferStruct) SetUndefined(name string) error {
	f, err := b.schema.Field(name)
	if err != nil {
		return err
	}
	if !f.AllowUndefined {
		return errors.Errorf("threadx: property %q does not allow undefined", name)
	}
	if b.setUndefined(f.PropNum, true) {
		b.setDirty(f.PropNum)
	}
	return nil
}

// GetInt32 reads an int32 property.
func (b *BufferStruct) GetInt32(name string) (value int32, ok bool, err error) {
	f, err := b.field(name, KindInt32)
	if err != nil {
		return 0, false, err
	}
	if f.AllowUndefined && b.isUndefined(f.PropNum) {
		return 0, false, nil
	}
	return int32(b.mem.LoadUint32(f.ByteOffset / 4)), true, nil
}

// SetInt32 writes an int32 property.
func (b *BufferStruct) SetInt32(name string, value int32) error {
	f, err := b.field(name, KindInt32)
	if err != nil {
		return err
	}
	wasUndefined := f.AllowUndefined && b.isUndefined(f.PropNum)
	if !wasUndefined {
		if cur := int32(b.mem.LoadUint32(f.ByteOffset / 4)); cur == value {
			return nil
		}
	}
	b.mem.StoreUint32(f.ByteOffset/4, uint32(value))
	if f.AllowUndefined {
		b.setUndefined(f.PropNum, false)
	}
	b.setDirty(f.PropNum)
	return nil
}

// GetBool reads a boolean property, stored as int32 0/1 on the wire.
func (b *BufferStruct) GetBool(name string) (value bool, ok bool, err error) {
	f, err := b.field(name, KindBool)
	if err != nil {
		return false, false, err
	}
	if f.AllowUndefined && b.isUndefined(f.PropNum) {
		return false, false, nil
	}
	return b.mem.LoadUint32(f.ByteOffset/4) != 0, true, nil
}

// SetBool writes a boolean property.
func (b *BufferStruct) SetBool(name string, value bool) error {
	f, err := b.field(name, KindBool)
	if err != nil {
		return err
	}
	var v uint32
	if value {
		v = 1
	}
	wasUndefined := f.AllowUndefined && b.isUndefined(f.PropNum)
	if !wasUndefined {
		if cur := b.mem.LoadUint32(f.ByteOffset / 4); cur == v {
			return nil
		}
	}
	b.mem.StoreUint32(f.ByteOffset/4, v)
	if f.AllowUndefined {
		b.setUndefined(f.PropNum, false)
	}
	b.setDirty(f.PropNum)
	return nil
}

// GetString reads a string property: a 2-byte length prefix followed
// by up to 255 UTF-16 code units. A stored length over 255 is a
// corrupt read and fails loudly (it must never occur on writes this
// package made).
func (b *BufferStruct) GetString(name string) (value string, ok bool, err error) {
	f, err := b.field(name, KindString)
	if err != nil {
		return "", false, err
	}
	if f.AllowUndefined && b.isUndefined(f.PropNum) {
		return "", false, nil
	}

	buf := b.mem.Bytes()
	length := int(binary.LittleEndian.Uint16(buf[f.ByteOffset : f.ByteOffset+2]))
	if length > maxStringCodeUnits {
		return "", false, errors.Wrapf(ErrLengthFieldCorrupt, "property %q has stored length %d", name, length)
	}

	units := make([]uint16, length)
	for i := 0; i < length; i++ {
		off := f.ByteOffset + 2 + i*2
		units[i] = binary.LittleEndian.Uint16(buf[off : off+2])
	}
	return string(utf16.Decode(units)), true, nil
}

// SetString writes a string property, truncating to 255 code units
// with a warning (spec.md §7 StringTooLong, a soft error).
func (b *BufferStruct) SetString(name string, value string) error {
	f, err := b.field(name, KindString)
	if err != nil {
		return err
	}

	units := utf16.Encode([]rune(value))
	if len(units) > maxStringCodeUnits {
		b.log.Warn("threadx: string property truncated",
			zap.String("property", name),
			zap.Int("length", len(units)),
			zap.Int("max", maxStringCodeUnits),
			zap.Error(ErrStringTooLong),
		)
		units = units[:maxStringCodeUnits]
	}

	wasUndefined := f.AllowUndefined && b.isUndefined(f.PropNum)
	if !wasUndefined {
		if cur, _, _ := b.GetString(name); cur == string(utf16.Decode(units)) {
			return nil
		}
	}

	buf := b.mem.Bytes()
	binary.LittleEndian.PutUint16(buf[f.ByteOffset:f.ByteOffset+2], uint16(len(units)))
	for i, u := range units {
		off := f.ByteOffset + 2 + i*2
		binary.LittleEndian.PutUint16(buf[off:off+2], u)
	}

	if f.AllowUndefined {
		b.setUndefined(f.PropNum, false)
	}
	b.setDirty(f.PropNum)
	return nil
}

// --- Generic (name, any) access, used by SharedObject -----------------

// GetAnyByNum reads whatever property occupies propNum, boxing it as
// an any (nil when undefined). Used when walking the dirty bitmask,
// where only the prop number — not the name — is known up front.
func (b *BufferStruct) GetAnyByNum(propNum int) (name string, value any, err error) {
	f, err := b.schema.FieldByNum(propNum)
	if err != nil {
		return "", nil, err
	}
	v, err := b.GetAny(f.Name)
	return f.Name, v, err
}

// GetAny reads a property by name, dispatching on its schema kind and
// boxing the result (nil when undefined).
func (b *BufferStruct) GetAny(name string) (any, error) {
	f, err := b.schema.Field(name)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case KindNumber:
		v, ok, err := b.GetNumber(name)
		if err != nil || !ok {
			return nil, err
		}
		return v, nil
	case KindInt32:
		v, ok, err := b.GetInt32(name)
		if err != nil || !ok {
			return nil, err
		}
		return v, nil
	case KindBool:
		v, ok, err := b.GetBool(name)
		if err != nil || !ok {
			return nil, err
		}
		return v, nil
	case KindString:
		v, ok, err := b.GetString(name)
		if err != nil || !ok {
			return nil, err
		}
		return v, nil
	default:
		return nil, errors.Errorf("threadx: unknown property kind for %q", name)
	}
}

// SetAny writes a property by name, type-asserting value against its
// schema kind. A nil value sets the property undefined.
func (b *BufferStruct) SetAny(name string, value any) error {
	f, err := b.schema.Field(name)
	if err != nil {
		return err
	}
	if value == nil {
		return b.SetUndefined(name)
	}
	switch f.Kind {
	case KindNumber:
		v, ok := value.(float64)
		if !ok {
			return errors.Errorf("threadx: property %q expects float64, got %T", name, value)
		}
		return b.SetNumber(name, v)
	case KindInt32:
		v, ok := value.(int32)
		if !ok {
			return errors.Errorf("threadx: property %q expects int32, got %T", name, value)
		}
		return b.SetInt32(name, v)
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return errors.Errorf("threadx: property %q expects bool, got %T", name, value)
		}
		return b.SetBool(name, v)
	case KindString:
		v, ok := value.(string)
		if !ok {
			return errors.Errorf("threadx: property %q expects string, got %T", name, value)
		}
		return b.SetString(name, v)
	default:
		return errors.Errorf("threadx: unknown property kind for %q", name)
	}
}
