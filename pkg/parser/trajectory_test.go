package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrajectoryAgentDirMissingIsDiagnostic(t *testing.T) {
	trialDir := t.TempDir()

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, diagAgentDirMissing, episodes[0].StateAnalysis)
	assert.Equal(t, true, episodes[0].Metadata["diagnostic"])
}

func TestParseTrajectoryAgentDirEmptyIsDiagnostic(t *testing.T) {
	trialDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(trialDir, "agent"), 0o755))

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, diagAgentDirEmpty, episodes[0].StateAnalysis)
}

func TestParseTrajectoryNoRecognizedFileIsDiagnostic(t *testing.T) {
	trialDir := t.TempDir()
	agentDir := filepath.Join(trialDir, "agent")
	require.NoError(t, os.Mkdir(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "notes.txt"), []byte("nothing useful"), 0o644))

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, diagAgentDirNoTrajectory, episodes[0].StateAnalysis)
}

func TestParseTrajectoryFallsBackToOracleTxt(t *testing.T) {
	trialDir := t.TempDir()
	agentDir := filepath.Join(trialDir, "agent")
	require.NoError(t, os.Mkdir(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "oracle.txt"), []byte("ran the oracle"), 0o644))

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Len(t, episodes[0].Commands, 1)
	assert.Equal(t, "oracle", episodes[0].Commands[0].Command)
	assert.Equal(t, "ran the oracle", episodes[0].Commands[0].Output)
}

func TestParseTrajectoryDispatchesATIFOnSchemaVersionAndSteps(t *testing.T) {
	trialDir := writeTrajectoryJSON(t, `{
		"schema_version": "1.0",
		"steps": [{"source": "agent", "message": "hi"}]
	}`)

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "hi", episodes[0].Explanation)
}

func TestParseTrajectoryDispatchesLegacyStepsWithoutSchemaVersion(t *testing.T) {
	trialDir := writeTrajectoryJSON(t, `{
		"steps": [{"thought": "legacy thought", "command": "ls", "observation": "ok"}]
	}`)

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "legacy thought", episodes[0].Explanation)
}

func TestParseTrajectoryDispatchesLegacyActions(t *testing.T) {
	trialDir := writeTrajectoryJSON(t, `{
		"actions": [{"reasoning": "why not", "action": "echo hi", "result": "hi"}]
	}`)

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "why not", episodes[0].Explanation)
}

func TestParseTrajectoryEmptyTrajectoryJSONIsDiagnostic(t *testing.T) {
	trialDir := writeTrajectoryJSON(t, `{}`)

	episodes, err := parseTrajectory(trialDir)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, diagAgentDirNoTrajectory, episodes[0].StateAnalysis)
}

func writeTrajectoryJSON(t *testing.T, contents string) string {
	t.Helper()
	trialDir := t.TempDir()
	agentDir := filepath.Join(trialDir, "agent")
	require.NoError(t, os.Mkdir(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "trajectory.json"), []byte(contents), 0o644))
	return trialDir
}
