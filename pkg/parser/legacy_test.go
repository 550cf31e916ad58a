package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLegacyStepsOneEpisodePerStep(t *testing.T) {
	zero := 0
	raw := rawSteps(t,
		map[string]any{"thought": "try ls", "command": "ls", "observation": "a.txt", "exit_code": &zero},
		map[string]any{"thought": "done"},
	)

	episodes, err := parseLegacySteps(raw)
	require.NoError(t, err)
	require.Len(t, episodes, 2)

	assert.Equal(t, 0, episodes[0].Index)
	assert.Equal(t, "try ls", episodes[0].Explanation)
	require.Len(t, episodes[0].Commands, 1)
	assert.Equal(t, "ls", episodes[0].Commands[0].Command)
	assert.Equal(t, "a.txt", episodes[0].Commands[0].Output)
	require.NotNil(t, episodes[0].Commands[0].ExitCode)
	assert.Equal(t, 0, *episodes[0].Commands[0].ExitCode)

	assert.Equal(t, 1, episodes[1].Index)
	assert.Equal(t, "done", episodes[1].Explanation)
	assert.Empty(t, episodes[1].Commands)
}

func TestParseLegacyActionsOneEpisodePerAction(t *testing.T) {
	raw := rawSteps(t,
		map[string]any{"reasoning": "check the diff", "action": "git diff", "result": "no changes"},
	)

	episodes, err := parseLegacyActions(raw)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "check the diff", episodes[0].Explanation)
	require.Len(t, episodes[0].Commands, 1)
	assert.Equal(t, "git diff", episodes[0].Commands[0].Command)
	assert.Equal(t, "no changes", episodes[0].Commands[0].Output)
}
