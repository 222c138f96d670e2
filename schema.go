package threadx

import (
	"sync"

	"github.com/pkg/errors"
)

// PropertyKind identifies the wire representation of a property.
type PropertyKind int

const (
	KindNumber PropertyKind = iota
	KindInt32
	KindBool
	KindString
)

// headerSize is the fixed 40-byte header described in spec.md §3.
const headerSize = 40

// Word indices into the header, as 32-bit words from the start of
// the buffer (spec.md §3's header table).
const (
	wordTypeID   = 0
	wordNotify   = 1
	wordLock     = 2
	wordReserved = 3
	wordUniqueLo = 4 // unique id, f64, occupies words 4-5
	wordDirty0   = 6
	wordDirty1   = 7
	wordUndef0   = 8
	wordUndef1   = 9
)

// stringSlotSize is the fixed slot width reserved for every string
// property regardless of actual content length.
const stringSlotSize = 512

// maxStringCodeUnits is the largest number of UTF-16-ish code units a
// string property may hold; writes beyond this are truncated with a
// warning (spec.md §4.2, §7 StringTooLong).
const maxStringCodeUnits = 255

// PropertyDef is a declarative property definition supplied by a
// concrete struct type when it registers its schema.
type PropertyDef struct {
	Name           string
	Kind           PropertyKind
	AllowUndefined bool
}

// propField is a PropertyDef plus its computed placement.
type propField struct {
	PropertyDef
	PropNum    int
	ByteOffset int
	ByteSize   int
}

// Schema is the ordered, computed-once property layout for one
// concrete BufferStruct type. Derived types build their Schema by
// passing the parent's Schema to BuildSchema, which appends the new
// fields after the inherited ones (spec.md §3 "Property schema").
type Schema struct {
	TypeTag    string
	TypeID     uint32
	fields     []propField
	byName     map[string]int // name -> index into fields
	bufferSize int
}

var (
	schemaRegistryMu sync.Mutex
	schemaRegistry   = map[string]*Schema{}
)

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func fieldWidth(kind PropertyKind) (size, align int) {
	switch kind {
	case KindNumber:
		return 8, 8
	case KindInt32, KindBool:
		return 4, 4
	case KindString:
		return stringSlotSize, 2
	default:
		return 4, 4
	}
}

// BuildSchema computes (or returns the cached) layout for typeTag
// with the given own fields, inheriting parent's fields (in order)
// if parent is non-nil. Layout and prop numbers are computed exactly
// once per typeTag and cached in a process-wide registry, mirroring
// the teacher's "compute once in init(), reuse via pool" idiom
// (gaio's aiocbPool) applied to an immutable value instead of a
// pooled mutable one.
func BuildSchema(typeTag string, ownFields []PropertyDef, parent *Schema) (*Schema, error) {
	schemaRegistryMu.Lock()
	defer schemaRegistryMu.Unlock()

	if s, ok := schemaRegistry[typeTag]; ok {
		return s, nil
	}

	typeID, err := EncodeTypeID(typeTag)
	if err != nil {
		return nil, errors.Wrapf(err, "threadx: building schema for %q", typeTag)
	}

	s := &Schema{TypeTag: typeTag, TypeID: typeID, byName: map[string]int{}}

	offset := headerSize
	propNum := 0

	var allDefs []PropertyDef
	if parent != nil {
		for _, f := range parent.fields {
			allDefs = append(allDefs, f.PropertyDef)
		}
		propNum = len(parent.fields)
	}
	allDefs = append(allDefs, ownFields...)

	for i, def := range allDefs {
		size, align := fieldWidth(def.Kind)
		offset = alignUp(offset, align)

		pf := propField{
			PropertyDef: def,
			PropNum:     i,
			ByteOffset:  offset,
			ByteSize:    size,
		}
		s.fields = append(s.fields, pf)
		s.byName[def.Name] = i
		offset += size
	}
	if propNum > 64 || len(allDefs) > 64 {
		return nil, errors.Errorf("threadx: schema %q declares more than 64 properties, dirty/undefined bitmasks only cover 64", typeTag)
	}

	s.bufferSize = alignUp(offset, 8)
	schemaRegistry[typeTag] = s
	return s, nil
}

// Field returns the field descriptor for name.
func (s *Schema) Field(name string) (propField, error) {
	idx, ok := s.byName[name]
	if !ok {
		return propField{}, errors.Wrapf(ErrUnknownProperty, "property %q on type %q", name, s.TypeTag)
	}
	return s.fields[idx], nil
}

// FieldByNum returns the field descriptor for a given prop number, as
// found in a dirty/undefined bitmask.
func (s *Schema) FieldByNum(propNum int) (propField, error) {
	if propNum < 0 || propNum >= len(s.fields) {
		return propField{}, errors.Wrapf(ErrUnknownProperty, "prop number %d on type %q", propNum, s.TypeTag)
	}
	return s.fields[propNum], nil
}

// Fields returns every field in declaration order, including
// inherited ones.
func (s *Schema) Fields() []propField {
	return s.fields
}

// BufferSize is the total size of a buffer laid out for this schema,
// already rounded up to a multiple of 8.
func (s *Schema) BufferSize() int {
	return s.bufferSize
}
