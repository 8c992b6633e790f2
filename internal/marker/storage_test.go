package marker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangesReachOtherTabsOnly(t *testing.T) {
	s := NewStorage()
	a, b := s.Open(), s.Open()

	var seenA, seenB []Event
	a.Subscribe(func(e Event) { seenA = append(seenA, e) })
	b.Subscribe(func(e Event) { seenB = append(seenB, e) })

	a.Set("m1")
	v, ok := b.Get()
	require.True(t, ok)
	require.Equal(t, "m1", v)

	a.Clear()
	_, ok = b.Get()
	require.False(t, ok)

	require.Empty(t, seenA)
	require.Equal(t, []Event{{Kind: Replaced, Value: "m1"}, {Kind: Cleared}}, seenB)
}

func TestUnchangedWriteIsSilent(t *testing.T) {
	s := NewStorage()
	a, b := s.Open(), s.Open()
	calls := 0
	b.Subscribe(func(Event) { calls++ })

	a.Set("m1")
	a.Set("m1")
	a.Clear()
	a.Clear()
	require.Equal(t, 2, calls)
}

func TestUnsubscribeAndClose(t *testing.T) {
	s := NewStorage()
	a, b, c := s.Open(), s.Open(), s.Open()

	var bCalls, cCalls int
	unsubscribe := b.Subscribe(func(Event) { bCalls++ })
	c.Subscribe(func(Event) { cCalls++ })

	unsubscribe()
	c.Close()
	a.Set("m1")

	require.Zero(t, bCalls)
	require.Zero(t, cCalls)

	// A closed tab still reads the shared value once it is active again.
	v, ok := c.Get()
	require.True(t, ok)
	require.Equal(t, "m1", v)
}

func TestEventKindString(t *testing.T) {
	require.Equal(t, "replaced", Replaced.String())
	require.Equal(t, "cleared", Cleared.String())
	require.Equal(t, "unknown", EventKind(0).String())
}
