package referral

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeDeriverIsStable(t *testing.T) {
	d := NewCodeDeriver("secret", 8)

	a := d.Derive("visitor-a")
	require.Len(t, a, 8)
	require.Equal(t, a, d.Derive("visitor-a"))
	require.NotEqual(t, a, d.Derive("visitor-b"))
	require.NotEqual(t, a, NewCodeDeriver("other", 8).Derive("visitor-a"))
	require.Equal(t, a, NormalizeCode(" "+strings.ToLower(a)+" "))
}

func TestCodeDeriverClampsLength(t *testing.T) {
	require.Len(t, NewCodeDeriver("s", 0).Derive("v"), 8)
	require.Len(t, NewCodeDeriver("s", 12).Derive("v"), 12)
}
