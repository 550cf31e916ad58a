package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTestResultsPrefersCTRF(t *testing.T) {
	trialDir := t.TempDir()
	verifierDir := filepath.Join(trialDir, "verifier")
	require.NoError(t, os.Mkdir(verifierDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(verifierDir, "ctrf.json"), []byte(`{
		"results": {
			"summary": {"passed": 1, "tests": 2},
			"tests": [
				{"name": "test_a", "status": "passed"},
				{"name": "test_b", "status": "failed"}
			]
		}
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(trialDir, "result.json"), []byte(`{
		"verifier_result": {"rewards": {"should_not_be_used": 1}}
	}`), 0o644))

	passed, total, cases, rewards, err := parseTestResults(trialDir)
	require.NoError(t, err)
	assert.Equal(t, 1, passed)
	assert.Equal(t, 2, total)
	require.Len(t, cases, 2)
	assert.Equal(t, 1, rewards["test_a"])
	assert.Equal(t, 0, rewards["test_b"])
	assert.NotContains(t, rewards, "should_not_be_used")
}

func TestParseTestResultsFallsBackToResultJSON(t *testing.T) {
	trialDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(trialDir, "result.json"), []byte(`{
		"verifier_result": {"rewards": {"test_a": 1, "test_b": 0}}
	}`), 0o644))

	passed, total, cases, rewards, err := parseTestResults(trialDir)
	require.NoError(t, err)
	assert.Equal(t, 1, passed)
	assert.Equal(t, 2, total)
	assert.Len(t, cases, 2)
	assert.Equal(t, map[string]int{"test_a": 1, "test_b": 0}, rewards)
}

func TestParseTestResultsNeitherFilePresentYieldsEmptyRewards(t *testing.T) {
	trialDir := t.TempDir()

	passed, total, cases, rewards, err := parseTestResults(trialDir)
	require.NoError(t, err)
	assert.Equal(t, 0, passed)
	assert.Equal(t, 0, total)
	assert.Empty(t, cases)
	assert.Equal(t, map[string]int{}, rewards)
}

func TestParseTestResultsMalformedCTRFErrors(t *testing.T) {
	trialDir := t.TempDir()
	verifierDir := filepath.Join(trialDir, "verifier")
	require.NoError(t, os.Mkdir(verifierDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(verifierDir, "ctrf.json"), []byte("not json"), 0o644))

	_, _, _, _, err := parseTestResults(trialDir)
	assert.Error(t, err)
}
