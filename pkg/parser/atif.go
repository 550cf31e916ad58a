package parser

import (
	"encoding/json"
	"strings"

	"github.com/cuemby/harborctl/pkg/types"
)

// atifStep is the subset of one ATIF (agent trajectory interchange format)
// step this parser consumes.
type atifStep struct {
	Source    string `json:"source"`
	Message   string `json:"message"`
	Output    string `json:"output"`
	ToolCalls []struct {
		FunctionName string `json:"function_name"`
		Arguments    struct {
			Keystrokes string `json:"keystrokes"`
		} `json:"arguments"`
	} `json:"tool_calls"`
}

const (
	atifAnalysisHeading = "Analysis:"
	atifPlanHeading     = "Plan:"
)

// parseATIF implements the ATIF branch of spec §4.6 step 4: steps are
// grouped into episodes at each source="agent" boundary. An agent step's
// message supplies stateAnalysis/explanation (split on "Analysis:"/"Plan:"
// headings when present, otherwise used verbatim as explanation); its
// bash_command tool_calls become the episode's commands. Every subsequent
// non-agent step before the next agent step is a system observation whose
// output is appended to the most recently opened command's output.
func parseATIF(raw []json.RawMessage) ([]types.Episode, error) {
	var episodes []types.Episode
	var current *types.Episode
	var lastCommand *types.Command

	flush := func() {
		if current != nil {
			episodes = append(episodes, *current)
		}
	}

	for _, msg := range raw {
		var step atifStep
		if err := json.Unmarshal(msg, &step); err != nil {
			return nil, err
		}

		if step.Source == "agent" {
			flush()
			idx := len(episodes)
			ep := types.Episode{Index: idx}
			ep.StateAnalysis, ep.Explanation = splitAnalysisPlan(step.Message)
			for _, tc := range step.ToolCalls {
				if tc.FunctionName != "bash_command" {
					continue
				}
				ep.Commands = append(ep.Commands, types.Command{Command: tc.Arguments.Keystrokes})
			}
			current = &ep
			if len(current.Commands) > 0 {
				lastCommand = &current.Commands[len(current.Commands)-1]
			} else {
				lastCommand = nil
			}
			continue
		}

		// A system/environment observation: its output belongs to whichever
		// command most recently opened this episode.
		if current == nil || lastCommand == nil || step.Output == "" {
			continue
		}
		if lastCommand.Output == "" {
			lastCommand.Output = step.Output
		} else {
			lastCommand.Output = lastCommand.Output + "\n" + step.Output
		}
	}
	flush()

	return episodes, nil
}

// splitAnalysisPlan extracts "Analysis:" and "Plan:" headed sections from an
// agent message. If neither heading is present the whole message becomes
// the explanation and stateAnalysis is left empty.
func splitAnalysisPlan(message string) (stateAnalysis, explanation string) {
	analysisIdx := strings.Index(message, atifAnalysisHeading)
	planIdx := strings.Index(message, atifPlanHeading)

	if analysisIdx < 0 && planIdx < 0 {
		return "", strings.TrimSpace(message)
	}

	if analysisIdx >= 0 {
		end := len(message)
		if planIdx > analysisIdx {
			end = planIdx
		}
		stateAnalysis = strings.TrimSpace(strings.TrimPrefix(message[analysisIdx:end], atifAnalysisHeading))
	}

	if planIdx >= 0 {
		explanation = strings.TrimSpace(strings.TrimPrefix(message[planIdx:], atifPlanHeading))
	} else if analysisIdx >= 0 {
		// Only an Analysis: heading was present; nothing left over to serve
		// as the explanation besides what precedes it, if anything.
		explanation = strings.TrimSpace(message[:analysisIdx])
	}

	return stateAnalysis, explanation
}
