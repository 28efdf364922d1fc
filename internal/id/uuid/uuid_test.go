package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New("run-")
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	require.True(t, strings.HasPrefix(id1, "run-"))
	parsed, err := goUUID.Parse(strings.TrimPrefix(id1, "run-"))
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorMustNewID(t *testing.T) {
	t.Parallel()

	var gen *Generator
	id := gen.MustNewID()
	_, err := goUUID.Parse(id)
	require.NoError(t, err)
}
