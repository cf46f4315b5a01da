package inject

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-oga-819/claude-session/internal/protocol"
)

var image = protocol.ContentBlock{
	Type:   protocol.BlockImage,
	Source: &protocol.ImageSource{Type: "base64", MediaType: "image/png", Data: "iVBORw0KGgo="},
}

func openQueue() *Queue {
	q := New()
	q.SetOpen(true)
	return q
}

func TestQueue_EnqueueRequiresOpenChannel(t *testing.T) {
	q := New()
	_, ok, err := q.Enqueue("hello", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, q.Len())

	q.SetOpen(true)
	e, ok, err := q.Enqueue("hello", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, e.ID)

	e, _, _ = q.Enqueue("again", "local-1")
	assert.Equal(t, "local-1", e.ID)

	_, _, err = q.Enqueue(42, "")
	assert.Error(t, err)
}

func TestQueue_TurnEndCombinesText(t *testing.T) {
	q := openQueue()
	q.Enqueue("a", "")
	q.Enqueue("b", "")

	entries := q.DrainAll()
	require.Len(t, entries, 2)
	assert.Equal(t, "a\n\nb", Combine(entries))
	assert.Zero(t, q.Len())
	assert.Nil(t, q.DrainAll())
}

func TestQueue_HookPathSkipsMultimodal(t *testing.T) {
	q := openQueue()
	q.Enqueue("a", "")
	q.Enqueue([]protocol.ContentBlock{{Type: protocol.BlockText, Text: "b"}, image}, "")

	_, _, ok := q.DrainText()
	assert.False(t, ok)
	assert.Equal(t, 2, q.Len())

	entries := q.DrainAll()
	content, isBlocks := Combine(entries).([]protocol.ContentBlock)
	require.True(t, isBlocks)
	assert.Equal(t, []string{"text", "text", "text", "image"}, types(content))
	assert.Equal(t, "a\n\nb", DisplayText(content))
}

func TestQueue_HookPathDrainsText(t *testing.T) {
	q := openQueue()
	q.Enqueue("first", "")
	q.Enqueue("second", "local-2")

	text, entries, ok := q.DrainText()
	require.True(t, ok)
	assert.Equal(t, "first\n\nsecond", text)
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "local-2", entries[1].ID)

	_, _, ok = q.DrainText()
	assert.False(t, ok)
}

func TestCombine_SeparatorOnlyBetweenText(t *testing.T) {
	entries := []Entry{
		{Blocks: []protocol.ContentBlock{image}},
		{Blocks: []protocol.ContentBlock{{Type: protocol.BlockText, Text: "x"}}},
		{Blocks: []protocol.ContentBlock{{Type: protocol.BlockText, Text: "y"}, image}},
	}

	content := Combine(entries).([]protocol.ContentBlock)
	assert.Equal(t, []string{"image", "text", "text", "text", "image"}, types(content))
	assert.Equal(t, Separator, content[2].Text)
}

func TestQueue_ConcurrentDrainDeliversOnce(t *testing.T) {
	q := openQueue()
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Enqueue(fmt.Sprintf("%d-%d", w, i), "")
			}
		}(w)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	record := func(entries []Entry) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			seen[e.ID]++
		}
	}

	done := make(chan struct{})
	var drainers sync.WaitGroup
	for i := 0; i < 2; i++ {
		drainers.Add(1)
		go func(hook bool) {
			defer drainers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if hook {
					if _, entries, ok := q.DrainText(); ok {
						record(entries)
					}
				} else {
					record(q.DrainAll())
				}
			}
		}(i == 0)
	}

	wg.Wait()
	close(done)
	drainers.Wait()
	record(q.DrainAll())

	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func types(blocks []protocol.ContentBlock) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Type
	}
	return out
}
