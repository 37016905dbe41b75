package readiness_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aelexs/captionsync/internal/readiness"
	"github.com/aelexs/captionsync/pkg/protocol"
)

func TestTracker_AbsentTabNotReady(t *testing.T) {
	tr := readiness.NewTracker()
	assert.False(t, tr.IsReady(protocol.Tab(7)))
	assert.False(t, tr.IsReady(protocol.Popup))
	assert.False(t, tr.IsReady(protocol.Background))
}

func TestTracker_AllAlwaysReady(t *testing.T) {
	tr := readiness.NewTracker()
	assert.True(t, tr.IsReady(protocol.All))
}

func TestTracker_MarkTabReadyIdempotent(t *testing.T) {
	tr := readiness.NewTracker()

	tr.MarkTabReady(5, true)
	tr.MarkTabReady(5, true)
	assert.True(t, tr.IsReady(protocol.Tab(5)))

	tr.MarkTabReady(5, false)
	assert.False(t, tr.IsReady(protocol.Tab(5)))
	assert.False(t, tr.IsReady(protocol.Tab(6)), "other tabs unaffected")
}

func TestTracker_MarkReadyComponents(t *testing.T) {
	tr := readiness.NewTracker()

	tr.MarkReady(readiness.Popup, true)
	assert.True(t, tr.IsReady(protocol.Popup))
	assert.False(t, tr.IsReady(protocol.Background))

	tr.MarkReady(readiness.Background, true)
	tr.MarkReady(readiness.Popup, false)
	assert.True(t, tr.IsReady(protocol.Background))
	assert.False(t, tr.IsReady(protocol.Popup))

	tr.MarkReady("sidebar", true)
	assert.False(t, tr.Snapshot().Popup)
}

func TestTracker_MarkByTarget(t *testing.T) {
	tr := readiness.NewTracker()
	tr.Mark(protocol.Tab(3), true)
	tr.Mark(protocol.Popup, true)
	tr.Mark(protocol.All, false)

	assert.True(t, tr.IsReady(protocol.Tab(3)))
	assert.True(t, tr.IsReady(protocol.Popup))
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := readiness.NewTracker()
	tr.MarkTabReady(1, true)

	snap := tr.Snapshot()
	snap.Tabs[1] = false
	snap.Tabs[2] = true

	assert.True(t, tr.IsReady(protocol.Tab(1)))
	assert.False(t, tr.IsReady(protocol.Tab(2)))
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := readiness.NewTracker()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tr.MarkTabReady(protocol.TabID(id), true)
			_ = tr.IsReady(protocol.Tab(protocol.TabID(id)))
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.Snapshot().Tabs, 20)
}
