package parser

import (
	"encoding/json"

	"github.com/cuemby/harborctl/pkg/types"
)

// legacyStep is the older, pre-ATIF trajectory shape: one step per episode,
// command/observation/thought all flattened at the top level.
type legacyStep struct {
	Thought     string `json:"thought"`
	Command     string `json:"command"`
	Observation string `json:"observation"`
	ExitCode    *int   `json:"exit_code"`
}

// legacyAction is the even older action-log shape used by some oracle runs.
type legacyAction struct {
	Reasoning string `json:"reasoning"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	ExitCode  *int   `json:"exit_code"`
}

// parseLegacySteps implements the legacy "steps" branch of spec §4.6 step 4:
// one episode per step, its thought becoming the explanation and its single
// command/observation pair becoming the episode's sole command.
func parseLegacySteps(raw []json.RawMessage) ([]types.Episode, error) {
	episodes := make([]types.Episode, 0, len(raw))
	for i, msg := range raw {
		var step legacyStep
		if err := json.Unmarshal(msg, &step); err != nil {
			return nil, err
		}
		ep := types.Episode{
			Index:       i,
			Explanation: step.Thought,
		}
		if step.Command != "" {
			ep.Commands = []types.Command{{
				Command:  step.Command,
				Output:   step.Observation,
				ExitCode: step.ExitCode,
			}}
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// parseLegacyActions implements the legacy "actions" branch of spec §4.6
// step 4: one episode per action, its reasoning becoming the explanation and
// its action/result pair becoming the episode's sole command.
func parseLegacyActions(raw []json.RawMessage) ([]types.Episode, error) {
	episodes := make([]types.Episode, 0, len(raw))
	for i, msg := range raw {
		var action legacyAction
		if err := json.Unmarshal(msg, &action); err != nil {
			return nil, err
		}
		ep := types.Episode{
			Index:       i,
			Explanation: action.Reasoning,
		}
		if action.Action != "" {
			ep.Commands = []types.Command{{
				Command:  action.Action,
				Output:   action.Result,
				ExitCode: action.ExitCode,
			}}
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}
