package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/fleetlog/internal/domain"
)

func TestClassifyOlderStaysCompatible(t *testing.T) {
	m, err := NewManager("1.3.0")
	require.NoError(t, err)

	require.Equal(t, Older, m.Classify("1.2.0"))
	require.True(t, m.Compatible())
	require.Equal(t, domain.SchemaStateAccepted, m.State())
}

func TestClassifyCurrent(t *testing.T) {
	m, err := NewManager("1.3.0")
	require.NoError(t, err)

	require.Equal(t, Current, m.Classify("1.3.0"))
	require.Equal(t, Older, m.Classify("1.3.0-rc.1"), "pre-release ranks below its release")
	require.True(t, m.Compatible())
}

func TestClassifyNewerFuses(t *testing.T) {
	m, err := NewManager("1.3.0")
	require.NoError(t, err)

	require.Equal(t, Newer, m.Classify("1.10.0"), "numeric, not lexical, ordering")
	require.False(t, m.Compatible())
	require.Equal(t, domain.SchemaStateIncompatible, m.State())

	// the fuse does not reset on a later current report
	require.Equal(t, Current, m.Classify("1.3.0"))
	require.False(t, m.Compatible())
}

func TestClassifyUnparseableIsNewer(t *testing.T) {
	m, err := NewManager("1.3.0")
	require.NoError(t, err)
	require.Equal(t, Newer, m.Classify("garbage"))
	require.False(t, m.Compatible())

	_, err = NewManager("not-a-version")
	require.Error(t, err)
}

func TestLess(t *testing.T) {
	require.True(t, Less("1.2.0", "1.3.0"))
	require.False(t, Less("1.3.0", "1.3.0"))
	require.False(t, Less("2.0.0", "1.3.0"))
	require.False(t, Less("x", "1.3.0"))
	require.Equal(t, "newer", Newer.String())
}
