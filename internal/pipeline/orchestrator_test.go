package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/crawler-extractor/internal/domain"
)

func TestOrchestrator_RunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("runs stages in order and reports them after the cycle", func(t *testing.T) {
		env := newTestEnv(t)
		scored := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateScored, Score: domain.Float64Ptr(9)})
		scored.TextRef = env.putStoredText(t, scored.ID, "body")
		env.repo.Put(scored)
		env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable})

		var order []string
		var completions int
		orch := NewOrchestrator(env.runner(), nil, zerolog.Nop())
		result, err := orch.RunCycle(ctx, CycleParams{
			BatchSize: 5,
			Callbacks: Callbacks{
				OnComplete: func(domain.StageName, *domain.PaperRecord, domain.StageOutcome) {
					completions++
				},
			},
			OnStage: func(name string, _ []domain.StageOutcome) {
				assert.Positive(t, completions, "stage callbacks fire after the stages ran")
				order = append(order, name)
			},
		})

		require.NoError(t, err)
		assert.Equal(t, []string{CycleStageText, CycleStageScoring, CycleStageCitations, CycleStagePdfAcquisition}, order)
		assert.Equal(t, 1, result.Level)
		// The extracted paper is scored in the same cycle.
		assert.Len(t, result.Stages[CycleStageText], 1)
		assert.Len(t, result.Stages[CycleStageScoring], 1)
		assert.Len(t, result.Stages[CycleStageCitations], 2)
		// Citation children are created at level 2 and wait for a later cycle.
		assert.Empty(t, result.Stages[CycleStagePdfAcquisition])
		assert.Equal(t, domain.PaperStateProcessed, env.get(t, scored.ID).State)
	})

	t.Run("caches the level between cycles", func(t *testing.T) {
		env := newTestEnv(t)
		env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable, Level: 3})
		env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable, Level: 3})

		orch := NewOrchestrator(env.runner(), nil, zerolog.Nop())
		_, err := orch.RunCycle(ctx, CycleParams{BatchSize: 1})
		require.NoError(t, err)

		level, ok := orch.CurrentLevel()
		require.True(t, ok)
		assert.Equal(t, 3, level)

		env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfAvailable, Level: 2})
		result, err := orch.RunCycle(ctx, CycleParams{BatchSize: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Level)
	})

	t.Run("explicit level wins and is cached", func(t *testing.T) {
		env := newTestEnv(t)
		orch := NewOrchestrator(env.runner(), nil, zerolog.Nop())

		result, err := orch.RunCycle(ctx, CycleParams{BatchSize: 1, Level: domain.IntPtr(4)})

		require.NoError(t, err)
		assert.Equal(t, 4, result.Level)
		level, ok := orch.CurrentLevel()
		require.True(t, ok)
		assert.Equal(t, 4, level)
	})

	t.Run("idle cycle drops the cached level", func(t *testing.T) {
		env := newTestEnv(t)
		orch := NewOrchestrator(env.runner(), nil, zerolog.Nop())

		result, err := orch.RunCycle(ctx, CycleParams{BatchSize: 1})

		require.NoError(t, err)
		assert.Equal(t, 1, result.Level)
		_, ok := orch.CurrentLevel()
		assert.False(t, ok)
	})

	t.Run("reaches levels holding only placeholders", func(t *testing.T) {
		env := newTestEnv(t)
		env.putPaper(t, domain.PaperRecord{State: domain.PaperStateProcessed})
		child := env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable, Level: 2})

		result, err := NewOrchestrator(env.runner(), nil, zerolog.Nop()).RunCycle(ctx, CycleParams{BatchSize: 5})

		require.NoError(t, err)
		assert.Equal(t, 2, result.Level)
		require.Len(t, result.Stages[CycleStagePdfAcquisition], 1)
		assert.Equal(t, domain.PaperStatePdfAvailable, env.get(t, child.ID).State)
	})

	t.Run("sweeps exhausted records", func(t *testing.T) {
		env := newTestEnv(t)
		spent := env.putPaper(t, domain.PaperRecord{State: domain.PaperStateTextAvailable, Attempts: domain.MaxProcessingAttempts + 1, Level: 7})

		result, err := NewOrchestrator(env.runner(), nil, zerolog.Nop()).RunCycle(ctx, CycleParams{BatchSize: 1, Level: domain.IntPtr(1)})

		require.NoError(t, err)
		assert.EqualValues(t, 1, result.Swept)
		assert.Equal(t, domain.PaperStateFailed, env.get(t, spent.ID).State)
	})
}

func TestHarness_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("non-positive max steps does nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable})

		outcomes, err := NewHarness(env.runner()).Run(ctx, HarnessParams{Stage: domain.StagePdfAcquisition, Level: 1})

		require.NoError(t, err)
		assert.Nil(t, outcomes)
		assert.Zero(t, env.repo.CallCount("FetchByStateAtLevel"))
	})

	t.Run("caps at max steps", func(t *testing.T) {
		env := newTestEnv(t)
		var ids []string
		for range 4 {
			ids = append(ids, env.putPaper(t, domain.PaperRecord{State: domain.PaperStatePdfNotAvailable}).ID)
		}

		outcomes, err := NewHarness(env.runner()).Run(ctx, HarnessParams{
			Stage:    domain.StagePdfAcquisition,
			Level:    1,
			MaxSteps: 2,
			Workers:  2,
		})

		require.NoError(t, err)
		assert.Equal(t, ids[:2], outcomeIDs(outcomes))
	})

	t.Run("unknown stage", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := NewHarness(env.runner()).Run(ctx, HarnessParams{Stage: "bogus", MaxSteps: 1})

		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
