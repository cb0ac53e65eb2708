package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPattern(t testing.TB, s string) Pattern {
	t.Helper()
	p, _, err := ParsePattern(s)
	require.NoError(t, err)
	return p
}

func TestIndex_Lookup(t *testing.T) {
	t.Run("depth order prefers the most specific pattern", func(t *testing.T) {
		ix := newIndex[string](OrderDepth)
		ix.add(mustPattern(t, "role:greet"), "general")
		ix.add(mustPattern(t, "role:greet, lang:en"), "specific")

		e, ok := ix.lookup(Message{"role": "greet", "lang": "en"})
		require.True(t, ok)
		assert.Equal(t, "specific", e.value)

		e, ok = ix.lookup(Message{"role": "greet", "lang": "fr"})
		require.True(t, ok)
		assert.Equal(t, "general", e.value)
	})

	t.Run("depth order breaks ties by registration", func(t *testing.T) {
		ix := newIndex[string](OrderDepth)
		ix.add(mustPattern(t, "a:1"), "first")
		ix.add(mustPattern(t, "b:2"), "second")

		e, ok := ix.lookup(Message{"a": 1, "b": 2})
		require.True(t, ok)
		assert.Equal(t, "first", e.value)
	})

	t.Run("insertion order prefers the earliest registration", func(t *testing.T) {
		ix := newIndex[string](OrderInsertion)
		ix.add(mustPattern(t, "role:greet"), "general")
		ix.add(mustPattern(t, "role:greet, lang:en"), "specific")

		e, ok := ix.lookup(Message{"role": "greet", "lang": "en"})
		require.True(t, ok)
		assert.Equal(t, "general", e.value)
	})

	t.Run("reports not found", func(t *testing.T) {
		ix := newIndex[string](OrderDepth)
		ix.add(mustPattern(t, "role:greet"), "x")

		_, ok := ix.lookup(Message{"role": "other"})
		assert.False(t, ok)
	})
}

func TestIndex_List(t *testing.T) {
	for _, order := range []MatchOrder{OrderDepth, OrderInsertion} {
		t.Run(order.String(), func(t *testing.T) {
			ix := newIndex[string](order)
			ix.add(mustPattern(t, "a:1"), "a")
			ix.add(mustPattern(t, "a:1, b:2, c:3"), "abc")
			ix.add(mustPattern(t, "x:9"), "x")
			ix.add(mustPattern(t, "a:1, b:2"), "ab")

			got := ix.list(Message{"a": 1, "b": 2, "c": 3})
			assert.Equal(t, []string{"abc", "ab", "a"}, got)
		})
	}
}

func TestIndex_Remove(t *testing.T) {
	ix := newIndex[string](OrderDepth)
	ix.add(mustPattern(t, "a:1"), "one")
	ix.add(mustPattern(t, "a:1, b:2"), "two")

	assert.True(t, ix.remove(mustPattern(t, "a:1")))
	assert.False(t, ix.remove(mustPattern(t, "a:1")))

	_, ok := ix.lookup(Message{"a": 1})
	assert.False(t, ok)
	e, ok := ix.lookup(Message{"a": 1, "b": 2})
	require.True(t, ok)
	assert.Equal(t, "two", e.value)
}

func TestIndex_Exact(t *testing.T) {
	ix := newIndex[string](OrderDepth)
	ix.add(mustPattern(t, "a:1"), "one")

	assert.True(t, ix.exact(mustPattern(t, "a:1")))
	assert.False(t, ix.exact(mustPattern(t, "a:1, b:2")))
	assert.False(t, ix.exact(mustPattern(t, "a")))
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	ix := newIndex[int](OrderDepth)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ix.add(Pattern{"n": Literal(i)}, i)
		}()
		go func() {
			defer wg.Done()
			ix.lookup(Message{"n": i})
		}()
	}
	wg.Wait()
	assert.Len(t, ix.patterns(), 50)
}

func TestParseMatchOrder(t *testing.T) {
	tests := []struct {
		in   string
		want MatchOrder
	}{
		{"", OrderDepth},
		{"depth", OrderDepth},
		{"insertion", OrderInsertion},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := ParseMatchOrder(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseMatchOrder("random")
	assert.Error(t, err)
}
