package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAttemptOutput creates attemptOutput/<runName>/<trialName>/ in a fresh
// temp directory and returns attemptOutput.
func buildAttemptOutput(t *testing.T, runName, trialName string) string {
	t.Helper()
	attemptOutput := t.TempDir()
	trialDir := filepath.Join(attemptOutput, runName, trialName)
	require.NoError(t, os.MkdirAll(trialDir, 0o755))
	return attemptOutput
}

func TestFindTrialDirPicksLatestRunAndOnlyTrial(t *testing.T) {
	attemptOutput := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(attemptOutput, "2024-01-01T00-00-00", "trial-0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(attemptOutput, "2024-06-01T00-00-00", "trial-0"), 0o755))

	trialDir, err := findTrialDir(attemptOutput)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(attemptOutput, "2024-06-01T00-00-00", "trial-0"), trialDir)
}

func TestFindTrialDirErrorsWhenRunDirMissing(t *testing.T) {
	attemptOutput := t.TempDir()

	_, err := findTrialDir(attemptOutput)
	assert.Error(t, err)
}

func TestFindTrialDirErrorsWhenRunDirHasNoTrialSubdir(t *testing.T) {
	attemptOutput := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(attemptOutput, "2024-01-01T00-00-00"), 0o755))

	_, err := findTrialDir(attemptOutput)
	assert.Error(t, err)
}

func TestParseReturnsEpisodesAndTestTotals(t *testing.T) {
	attemptOutput := buildAttemptOutput(t, "run-0", "trial-0")
	trialDir, err := findTrialDir(attemptOutput)
	require.NoError(t, err)

	agentDir := filepath.Join(trialDir, "agent")
	require.NoError(t, os.Mkdir(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "oracle.txt"), []byte("ran fine"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(trialDir, "result.json"), []byte(`{"verifier_result":{"rewards":{"t1":1}}}`), 0o644))

	result, err := Parse(attemptOutput)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TestsPassed)
	assert.Equal(t, 1, result.TestsTotal)
	require.Len(t, result.Episodes, 1)
	assert.Equal(t, "oracle", result.Episodes[0].Commands[0].Command)
}

func TestParseErrorsWhenTrialDirCannotBeFound(t *testing.T) {
	attemptOutput := t.TempDir()

	_, err := Parse(attemptOutput)
	assert.Error(t, err)
}

func TestParsePartialNeverErrorsWhenTrialDirMissing(t *testing.T) {
	attemptOutput := t.TempDir()

	result := ParsePartial(attemptOutput)
	assert.Empty(t, result.Episodes)
	assert.Equal(t, 0, result.TestsTotal)
	assert.Equal(t, map[string]int{}, result.Rewards)
}

func TestParsePartialRecoversWhateverIsPresent(t *testing.T) {
	attemptOutput := buildAttemptOutput(t, "run-0", "trial-0")
	// no agent dir, no result.json at all -- everything should degrade to
	// zero/diagnostic values rather than erroring.

	result := ParsePartial(attemptOutput)
	require.Len(t, result.Episodes, 1)
	assert.Equal(t, diagAgentDirMissing, result.Episodes[0].StateAnalysis)
	assert.Equal(t, 0, result.TestsTotal)
	assert.Equal(t, map[string]int{}, result.Rewards)
}

func TestPartialTrialDirReturnsEmptyStringWhenNotFound(t *testing.T) {
	attemptOutput := t.TempDir()
	assert.Equal(t, "", PartialTrialDir(attemptOutput))
}

func TestPartialTrialDirReturnsTrialDirWhenFound(t *testing.T) {
	attemptOutput := buildAttemptOutput(t, "run-0", "trial-0")
	trialDir, err := findTrialDir(attemptOutput)
	require.NoError(t, err)
	assert.Equal(t, trialDir, PartialTrialDir(attemptOutput))
}

func TestTrialDirMatchesFindTrialDir(t *testing.T) {
	attemptOutput := buildAttemptOutput(t, "run-0", "trial-0")
	want, err := findTrialDir(attemptOutput)
	require.NoError(t, err)

	got, err := TrialDir(attemptOutput)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
