package threadx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSchemaLayoutAndAlignment(t *testing.T) {
	s, err := BuildSchema("SCMA", []PropertyDef{
		{Name: "flag", Kind: KindBool},
		{Name: "value", Kind: KindNumber},
		{Name: "label", Kind: KindString, AllowUndefined: true},
		{Name: "count", Kind: KindInt32},
	}, nil)
	require.NoError(t, err)

	flag, err := s.Field("flag")
	require.NoError(t, err)
	assert.Equal(t, headerSize, flag.ByteOffset)

	value, err := s.Field("value")
	require.NoError(t, err)
	assert.Zero(t, value.ByteOffset%8, "number fields must be 8-byte aligned")

	label, err := s.Field("label")
	require.NoError(t, err)
	assert.Zero(t, label.ByteOffset%2)
	assert.Equal(t, stringSlotSize, label.ByteSize)

	assert.Zero(t, s.BufferSize()%8, "total buffer size must be a multiple of 8")
}

func TestBuildSchemaIsCachedByTag(t *testing.T) {
	a, err := BuildSchema("SCMB", []PropertyDef{{Name: "n", Kind: KindNumber}}, nil)
	require.NoError(t, err)
	b, err := BuildSchema("SCMB", []PropertyDef{{Name: "different", Kind: KindBool}}, nil)
	require.NoError(t, err)
	assert.Same(t, a, b, "second call with the same tag must return the cached schema, ignoring new field args")
}

func TestBuildSchemaInheritance(t *testing.T) {
	parent, err := BuildSchema("SCMC", []PropertyDef{{Name: "base", Kind: KindNumber}}, nil)
	require.NoError(t, err)

	child, err := BuildSchema("SCMD", []PropertyDef{{Name: "extra", Kind: KindBool}}, parent)
	require.NoError(t, err)

	base, err := child.Field("base")
	require.NoError(t, err)
	assert.Equal(t, 0, base.PropNum)

	extra, err := child.Field("extra")
	require.NoError(t, err)
	assert.Equal(t, 1, extra.PropNum)
}

func TestBuildSchemaRejectsTooManyProperties(t *testing.T) {
	defs := make([]PropertyDef, 65)
	for i := range defs {
		defs[i] = PropertyDef{Name: string(rune('a' + i%26)), Kind: KindBool}
	}
	_, err := BuildSchema("SCME", defs, nil)
	assert.Error(t, err)
}

func TestFieldUnknownProperty(t *testing.T) {
	s, err := BuildSchema("SCMF", []PropertyDef{{Name: "only", Kind: KindBool}}, nil)
	require.NoError(t, err)
	_, err = s.Field("missing")
	assert.ErrorIs(t, err, ErrUnknownProperty)
}
