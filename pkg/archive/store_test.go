package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/mlroute/pkg/experiment"
)

func outcome(id string, to experiment.Status) experiment.Outcome {
	return experiment.Outcome{
		TestID: id,
		From:   experiment.StatusRunning,
		To:     to,
		Reason: "variant_b_wins: variant B is better",
		Config: experiment.Config{ID: id, Name: "cheaper model", Status: to},
		Analysis: &experiment.Analysis{
			TestID:         id,
			Status:         experiment.AnalysisVariantBWins,
			SampleSizeA:    40,
			SampleSizeB:    40,
			Recommendation: experiment.RecommendChooseB,
		},
	}
}

func TestArchiveOutcome(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	tick := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	first, err := s.ArchiveOutcome(outcome("t1", experiment.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, "analysis", first.Analysis.Kind)
	assert.Len(t, first.Analysis.SHA256, 64)

	var a experiment.Analysis
	require.NoError(t, s.LoadObject(first.Analysis, &a))
	assert.Equal(t, experiment.RecommendChooseB, a.Recommendation)
	assert.Equal(t, 40, a.SampleSizeB)

	var cfg experiment.Config
	require.NoError(t, s.LoadObject(first.Config, &cfg))
	assert.Equal(t, "cheaper model", cfg.Name)

	_, err = s.ArchiveOutcome(outcome("t2", experiment.StatusStopped))
	require.NoError(t, err)
	again, err := s.ArchiveOutcome(outcome("t1", experiment.StatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, first.Analysis, again.Analysis, "identical analyses share an object")

	reports, err := s.Reports("t1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].ArchivedAt.Before(reports[1].ArchivedAt))

	all, err := s.Reports("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestArchiveRejectsBadInput(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.ArchiveOutcome(experiment.Outcome{})
	assert.Error(t, err)

	var out map[string]any
	assert.ErrorIs(t, s.LoadObject(Ref{SHA256: "../../etc"}, &out), ErrNotFound)
	assert.ErrorIs(t, s.LoadObject(Ref{SHA256: "abcdef"}, &out), ErrNotFound)
}

func TestSignedReports(t *testing.T) {
	dir := t.TempDir()
	signer, err := LoadOrCreateSigner(filepath.Join(dir, "keys"), "archive")
	require.NoError(t, err)
	again, err := LoadOrCreateSigner(filepath.Join(dir, "keys"), "archive")
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey, again.PublicKey, "the key is persisted")

	s, err := NewStore(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	s.Signer = signer

	r, err := s.ArchiveOutcome(outcome("t1", experiment.StatusCompleted))
	require.NoError(t, err)
	require.NotNil(t, r.Signature)

	reports, err := s.Reports("t1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.NoError(t, signer.Verify(reports[0]))

	tampered := reports[0]
	tampered.Reason = "edited"
	assert.ErrorIs(t, signer.Verify(tampered), ErrBadSignature)

	unsigned := reports[0]
	unsigned.Signature = nil
	assert.ErrorIs(t, signer.Verify(unsigned), ErrBadSignature)

	other, err := LoadOrCreateSigner(filepath.Join(dir, "keys"), "other")
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(reports[0]), ErrBadSignature)
}
