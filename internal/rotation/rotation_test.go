package rotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQueueRotatesAtCursor(t *testing.T) {
	state := NewState([]string{"a", "b", "c"})
	state.Cursor = 1

	queue := state.BuildQueue()

	assert.Equal(t, []string{"b", "c", "a", Sentinel}, queue)
}

func TestBuildQueueFiltersInvalid(t *testing.T) {
	state := NewState([]string{"a", "b", "c"})
	state.MarkInvalid("b", ReasonQuota)

	queue := state.BuildQueue()

	assert.Equal(t, []string{"a", "c", Sentinel}, queue)
}

func TestBuildQueueAllInvalidFallsBackUnfiltered(t *testing.T) {
	state := NewState([]string{"a", "b"})
	state.MarkInvalid("a", ReasonInvalid)
	state.MarkInvalid("b", ReasonExpired)

	queue := state.BuildQueue()

	// A fully poisoned invalid set must not lock the pool out.
	assert.Equal(t, []string{"a", "b", Sentinel}, queue)
}

func TestBuildQueueEmptyPoolIsSentinelOnly(t *testing.T) {
	state := NewState(nil)

	queue := state.BuildQueue()

	assert.Equal(t, []string{Sentinel}, queue)
}

func TestBuildQueueSentinelAlwaysLast(t *testing.T) {
	state := NewState([]string{"a", "b", "c"})
	state.MarkInvalid("c", ReasonQuota)

	for cursor := 0; cursor < 3; cursor++ {
		state.Cursor = cursor
		queue := state.BuildQueue()
		require.NotEmpty(t, queue)
		assert.Equal(t, Sentinel, queue[len(queue)-1])
	}
}

func TestAdvanceCursor(t *testing.T) {
	state := NewState([]string{"a", "b", "c"})

	state.AdvanceCursor("a")
	assert.Equal(t, 1, state.Cursor)

	state.AdvanceCursor("c")
	assert.Equal(t, 0, state.Cursor, "cursor wraps past the last entry")

	state.AdvanceCursor(Sentinel)
	assert.Equal(t, 0, state.Cursor, "sentinel success leaves the cursor alone")

	state.AdvanceCursor("missing")
	assert.Equal(t, 0, state.Cursor)
}

func TestAdvanceCursorEmptyPool(t *testing.T) {
	state := NewState(nil)

	state.AdvanceCursor("a")

	assert.Equal(t, 0, state.Cursor)
}

func TestMarkInvalidIdempotent(t *testing.T) {
	state := NewState([]string{"a"})

	state.MarkInvalid("a", ReasonQuota)
	first := state.Invalid["a"]

	state.MarkInvalid("a", ReasonExpired)
	second := state.Invalid["a"]

	assert.Equal(t, ReasonQuota, first.Reason)
	assert.Equal(t, ReasonExpired, second.Reason, "re-marking refreshes the reason")
	assert.Len(t, state.Invalid, 1)
}

func TestMarkInvalidIgnoresSentinel(t *testing.T) {
	state := NewState([]string{"a"})

	state.MarkInvalid(Sentinel, ReasonInvalid)
	state.MarkInvalid("   ", ReasonInvalid)

	assert.Empty(t, state.Invalid)
}

func TestMarkInvalidTrimsKey(t *testing.T) {
	state := NewState([]string{" a "})

	state.MarkInvalid(" a ", ReasonQuota)

	queue := state.BuildQueue()
	assert.Equal(t, []string{Sentinel}, queue)
}

func TestClearInvalid(t *testing.T) {
	state := NewState([]string{"a", "b"})
	state.MarkInvalid("a", ReasonQuota)

	state.ClearInvalid("a")
	state.ClearInvalid("a")
	state.ClearInvalid("never-marked")

	assert.Empty(t, state.Invalid)
	assert.Equal(t, []string{"a", "b", Sentinel}, state.BuildQueue())
}

func TestNormalizeClampsCursor(t *testing.T) {
	tests := []struct {
		name   string
		pool   []string
		cursor int
		want   int
	}{
		{"negative", []string{"a", "b"}, -1, 0},
		{"past end", []string{"a", "b"}, 5, 0},
		{"in range", []string{"a", "b"}, 1, 1},
		{"empty pool", nil, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{Pool: tt.pool, Cursor: tt.cursor}
			state.Normalize()
			assert.Equal(t, tt.want, state.Cursor)
			assert.NotNil(t, state.Invalid)
		})
	}
}

func TestSetPoolResetsCursor(t *testing.T) {
	state := NewState([]string{"a", "b", "c"})
	state.Cursor = 2

	state.SetPool([]string{"x", "y"})

	assert.Equal(t, 0, state.Cursor)
	assert.Equal(t, []string{"x", "y", Sentinel}, state.BuildQueue())
}
