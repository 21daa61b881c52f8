package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRemainingStages(t *testing.T) {
	t.Parallel()

	require.Equal(t, Stages, RemainingStages(StateDiscovered))
	require.Equal(t, []Stage{StageMedia, StagePublish}, RemainingStages(StateRewritten))
	require.Empty(t, RemainingStages(StatePublished))
	require.Empty(t, RemainingStages(StateFailed))
}

func TestRecordAdvanceRejectsSkippedStage(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	rec := NewRecord(SourceItem{SourceID: "a", ItemID: "x1"}, now)

	require.Error(t, rec.Advance(StageRewrite, now))
	require.NoError(t, rec.Advance(StageExtract, now))
	require.Equal(t, StateExtracted, rec.State)
}

func TestRecordFailIsTerminal(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rec := NewRecord(SourceItem{SourceID: "a", ItemID: "x2"}, now)
	rec.Fail(StageExtract, KindPermanentContent, now)

	require.True(t, rec.State.Terminal())
	require.Equal(t, StageExtract, rec.FailedStage)
	require.Equal(t, KindPermanentContent, rec.LastErrorKind)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindRateLimited, KindOf(NewStageError(KindRateLimited, "rewrite", nil)))
	require.Equal(t, KindFatalInfrastructure, KindOf(NewInfraError(ScopeCycle, ErrNotFound)))
	require.Equal(t, KindTransient, KindOf(ErrNotFound))
	require.Equal(t, ErrorKind(""), KindOf(nil))
}
