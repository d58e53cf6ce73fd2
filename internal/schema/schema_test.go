package schema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/event"
)

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(filepath.Join("testdata", "case.cue"))
	require.NoError(t, err)
	return r
}

func TestValidate_Valid(t *testing.T) {
	r := loadTestRegistry(t)

	err := r.Validate("case", event.Created, map[string]any{"status": "open", "amount": int64(10)})
	assert.NoError(t, err)

	err = r.Validate("case", event.Updated, map[string]any{"status": "closed"})
	assert.NoError(t, err)
}

func TestValidate_WrongType(t *testing.T) {
	r := loadTestRegistry(t)

	err := r.Validate("case", event.Created, map[string]any{"status": "pending"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "case", verr.AggregateType)
	assert.Equal(t, event.Created, verr.EventType)
}

func TestValidate_MissingRequiredField(t *testing.T) {
	r := loadTestRegistry(t)

	err := r.Validate("case", event.Created, map[string]any{"amount": int64(1)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidate_ConstraintViolation(t *testing.T) {
	r := loadTestRegistry(t)

	err := r.Validate("case", event.Updated, map[string]any{"amount": int64(-5)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestValidate_UnknownTypesAreOpen(t *testing.T) {
	r := loadTestRegistry(t)

	assert.NoError(t, r.Validate("invoice", event.Created, map[string]any{"anything": true}))
	assert.NoError(t, r.Validate("case", event.Type("escalated"), map[string]any{"level": int64(3)}))
}

func TestValidate_NilRegistryIsOpen(t *testing.T) {
	var r *Registry
	_, ok := r.Lookup("case", event.Created)
	assert.False(t, ok)
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile("broken.cue", "case: { created: {")
	require.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "nope.cue"))
	require.Error(t, err)
}

func TestTypes(t *testing.T) {
	r := loadTestRegistry(t)

	types, err := r.Types()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"case":     {"created", "updated"},
		"evidence": {"attached"},
	}, types)
}
