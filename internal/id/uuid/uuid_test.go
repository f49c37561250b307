package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDUnique(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)
}
