package flush

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateFirstPacketNeverFlushes(t *testing.T) {
	p := NewPolicy(350, 0)

	d := p.Evaluate(0, 100, true)
	require.False(t, d.Flush, "the first packet in an empty batch has nothing to flush")
	require.Equal(t, 1, p.CacheSize(0))
}

func TestEvaluateKeyFrameFlushesPriorBatch(t *testing.T) {
	p := NewPolicy(350, 0)

	p.Evaluate(0, 100, false)
	d := p.Evaluate(0, 200, true)

	require.True(t, d.Flush)
	require.Equal(t, ReasonKeyFrame, d.Reason)
	require.Equal(t, 1, p.CacheSize(0), "the key frame itself starts the next batch")
}

func TestEvaluateTimestampRollbackFlushes(t *testing.T) {
	p := NewPolicy(350, 0)

	p.Evaluate(0, 1000, false)
	d := p.Evaluate(0, 500, false)

	require.True(t, d.Flush)
	require.Equal(t, ReasonTimestampRollback, d.Reason)
}

func TestEvaluateCacheSizeCap(t *testing.T) {
	p := NewPolicy(350, 3)

	require.False(t, p.Evaluate(0, 1, false).Flush)
	require.False(t, p.Evaluate(0, 2, false).Flush)
	require.False(t, p.Evaluate(0, 3, false).Flush)
	d := p.Evaluate(0, 4, false)

	require.True(t, d.Flush)
	require.Equal(t, ReasonCacheFull, d.Reason)
	require.Equal(t, 1, p.CacheSize(0))
}

func TestEvaluateMergeWindowElapsed(t *testing.T) {
	p := NewPolicy(50, 0)

	require.False(t, p.Evaluate(0, 0, false).Flush)

	d := p.Evaluate(0, 60, false)
	require.True(t, d.Flush)
	require.Equal(t, ReasonWindowElapsed, d.Reason)
}

func TestEvaluateWithinMergeWindowDoesNotFlush(t *testing.T) {
	p := NewPolicy(50, 0)

	require.False(t, p.Evaluate(0, 0, false).Flush)
	require.False(t, p.Evaluate(0, 10, false).Flush)
}

func TestEvaluateMergeWriteDisabledFlushesOnStampChange(t *testing.T) {
	p := NewPolicy(0, 0)

	require.False(t, p.Evaluate(0, 100, false).Flush, "first packet in the batch")
	require.False(t, p.Evaluate(0, 100, false).Flush, "same stamp merges into the still-open batch")

	d := p.Evaluate(0, 200, false)
	require.True(t, d.Flush, "disabled merge-write must flush as soon as the stamp moves")
	require.Equal(t, ReasonStampChanged, d.Reason)
	require.Equal(t, 1, p.CacheSize(0))
}

func TestEvaluateTracksAreIndependent(t *testing.T) {
	p := NewPolicy(350, 2)

	require.False(t, p.Evaluate(0, 10, false).Flush)
	require.False(t, p.Evaluate(1, 10, false).Flush)
	require.False(t, p.Evaluate(1, 20, false).Flush)

	// Track 1 is now at its cache cap; track 0 must be unaffected.
	d1 := p.Evaluate(1, 30, false)
	require.True(t, d1.Flush)
	require.Equal(t, ReasonCacheFull, d1.Reason)

	d0 := p.Evaluate(0, 20, false)
	require.False(t, d0.Flush)
	require.Equal(t, 2, p.CacheSize(0))
}

func TestReasonString(t *testing.T) {
	require.Equal(t, "key_frame", ReasonKeyFrame.String())
	require.Equal(t, "timestamp_rollback", ReasonTimestampRollback.String())
	require.Equal(t, "window_elapsed", ReasonWindowElapsed.String())
	require.Equal(t, "cache_full", ReasonCacheFull.String())
	require.Equal(t, "stamp_changed", ReasonStampChanged.String())
	require.Equal(t, "none", ReasonNone.String())
}
