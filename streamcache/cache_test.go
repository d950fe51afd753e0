package streamcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, options ...Option) *Cache {
	t.Helper()
	c, err := New(options...)
	require.NoError(t, err)
	return c
}

func create(t *testing.T, c *Cache, id string) {
	t.Helper()
	require.NoError(t, c.Create(id, func() {}))
}

func TestCreateRejectsDuplicate(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")
	assert.Error(t, c.Create("m1", func() {}))
}

func TestAppendAccumulates(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")

	c.AppendText("m1", "Hel")
	c.AppendText("m1", "lo")

	content, ok := c.Content("m1")
	require.True(t, ok)
	assert.Equal(t, "Hello", content)
}

func TestThinkingRegionOpensAndClosesLazily(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")

	c.AppendThinking("m1", "let me think")
	c.AppendThinking("m1", " more")
	c.AppendText("m1", "answer")

	content, _ := c.Content("m1")
	assert.Equal(t, "<thinking>\nlet me think more\n</thinking>\n\nanswer", content)
}

func TestThinkingRegionClosedAtFinalize(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")

	c.AppendThinking("m1", "unfinished thought")
	content, won := c.Finalize("m1", StatusCompleted)
	require.True(t, won)
	assert.Equal(t, "<thinking>\nunfinished thought\n</thinking>\n\n", content)
}

func TestSubscriberCatchUpIsFirstFrame(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")
	c.AppendText("m1", "already here")

	frames, subID, err := c.Subscribe("m1")
	require.NoError(t, err)
	defer c.Unsubscribe("m1", subID)

	first := <-frames
	assert.Equal(t, FrameCatchUp, first.Type)
	assert.Equal(t, "already here", first.Content)

	c.AppendText("m1", " and more")
	second := <-frames
	assert.Equal(t, FrameDelta, second.Type)
	assert.Equal(t, " and more", second.Content)
}

func TestSubscribeAfterFinalizeSeesDoneFrame(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")
	c.AppendText("m1", "done content")
	c.Finalize("m1", StatusCompleted)

	frames, subID, err := c.Subscribe("m1")
	require.NoError(t, err)
	defer c.Unsubscribe("m1", subID)

	first := <-frames
	assert.Equal(t, FrameCatchUp, first.Type)
	assert.Equal(t, "done content", first.Content)
	second := <-frames
	assert.Equal(t, FrameDone, second.Type)
	assert.Equal(t, StatusCompleted, second.Status)
}

func TestFinalizeSingleWinner(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")
	c.AppendText("m1", "content")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, status := range []Status{StatusCompleted, StatusStopped, StatusCompleted, StatusStopped} {
		wg.Add(1)
		go func(status Status) {
			defer wg.Done()
			if _, won := c.Finalize("m1", status); won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(status)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	// Losers still observe the frozen content.
	content, won := c.Finalize("m1", StatusCompleted)
	assert.False(t, won)
	assert.Equal(t, "content", content)
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")
	_, won := c.Finalize("m1", StatusStreaming)
	assert.False(t, won)
}

func TestAppendAfterFinalizeIsNoOp(t *testing.T) {
	c := newCache(t)
	create(t, c, "m1")
	c.AppendText("m1", "final")
	c.Finalize("m1", StatusCompleted)

	c.AppendText("m1", " ignored")
	content, _ := c.Content("m1")
	assert.Equal(t, "final", content)
}

func TestCancelTriggersHandle(t *testing.T) {
	c := newCache(t)
	triggered := make(chan struct{})
	require.NoError(t, c.Create("m1", func() { close(triggered) }))

	assert.True(t, c.Cancel("m1"))
	select {
	case <-triggered:
	case <-time.After(time.Second):
		t.Fatal("cancel handle not triggered")
	}
	assert.False(t, c.Cancel("missing"))
}

func TestSessionRemovedAfterLinger(t *testing.T) {
	c := newCache(t, WithLinger(10*time.Millisecond))
	create(t, c, "m1")

	frames, _, err := c.Subscribe("m1")
	require.NoError(t, err)

	c.Finalize("m1", StatusCompleted)
	assert.Eventually(t, func() bool {
		_, ok := c.Content("m1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	// Subscriber channel is closed on removal.
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-frames:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSlowSubscriberDropsFrames(t *testing.T) {
	c := newCache(t, WithSubscriberBuffer(1))
	create(t, c, "m1")

	frames, subID, err := c.Subscribe("m1")
	require.NoError(t, err)
	defer c.Unsubscribe("m1", subID)

	// Catch-up fills the single-slot buffer; these deltas are dropped
	// rather than blocking the writer.
	c.AppendText("m1", "a")
	c.AppendText("m1", "b")

	first := <-frames
	assert.Equal(t, FrameCatchUp, first.Type)

	content, _ := c.Content("m1")
	assert.Equal(t, "ab", content)
}
