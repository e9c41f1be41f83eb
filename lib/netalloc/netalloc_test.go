package netalloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAllocation_ParsesTapAndVLAN(t *testing.T) {
	output := `method return time=123 sender=:1.1 -> destination=:1.2 serial=3 reply_serial=2
   string "tap7"
   string "42"
`
	alloc, err := parseAllocation(output)
	require.NoError(t, err)
	require.Equal(t, "tap7", alloc.TapName)
	require.Equal(t, 42, alloc.VLAN)
}

func TestParseAllocation_RejectsMalformedReply(t *testing.T) {
	_, err := parseAllocation("not a dbus reply")
	require.Error(t, err)
}

func TestClient_NonFatalSwallowsErrors(t *testing.T) {
	c := New(true)
	alloc, err := c.Acquire(context.Background(), "worker1", 0)
	require.NoError(t, err)
	require.Equal(t, Allocation{}, alloc)
}
