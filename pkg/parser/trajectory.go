package parser

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/harborctl/pkg/metrics"
	"github.com/cuemby/harborctl/pkg/types"
)

// rawTrajectory is parsed once, tentatively, to decide which tagged variant
// the trajectory.json file actually holds (spec §4.6 step 4's dispatch).
type rawTrajectory struct {
	SchemaVersion string            `json:"schema_version"`
	Steps         []json.RawMessage `json:"steps"`
	Actions       []json.RawMessage `json:"actions"`
}

// parseTrajectory implements spec §4.6 step 4: locate agent/trajectory.json
// and dispatch by shape (ATIF, legacy steps, legacy actions); fall back to
// agent/oracle.txt; else synthesize a single diagnostic episode explaining
// why nothing could be recovered.
func parseTrajectory(trialDir string) ([]types.Episode, error) {
	agentDir := filepath.Join(trialDir, "agent")

	info, statErr := os.Stat(agentDir)
	if statErr != nil {
		return []types.Episode{diagnosticEpisode(diagAgentDirMissing)}, nil
	}
	if !info.IsDir() {
		return []types.Episode{diagnosticEpisode(diagAgentDirMissing)}, nil
	}

	entries, err := os.ReadDir(agentDir)
	if err != nil {
		return []types.Episode{diagnosticEpisode(diagAgentDirMissing)}, nil
	}
	if len(entries) == 0 {
		return []types.Episode{diagnosticEpisode(diagAgentDirEmpty)}, nil
	}

	trajPath := filepath.Join(agentDir, "trajectory.json")
	if data, err := os.ReadFile(trajPath); err == nil {
		return parseTrajectoryJSON(data)
	}

	oraclePath := filepath.Join(agentDir, "oracle.txt")
	if data, err := os.ReadFile(oraclePath); err == nil && len(data) > 0 {
		return parseOracle(data), nil
	}

	return []types.Episode{diagnosticEpisode(diagAgentDirNoTrajectory)}, nil
}

func parseTrajectoryJSON(data []byte) ([]types.Episode, error) {
	var raw rawTrajectory
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch {
	case raw.SchemaVersion != "" && len(raw.Steps) > 0:
		return parseATIF(raw.Steps)
	case len(raw.Steps) > 0:
		return parseLegacySteps(raw.Steps)
	case len(raw.Actions) > 0:
		return parseLegacyActions(raw.Actions)
	default:
		return []types.Episode{diagnosticEpisode(diagAgentDirNoTrajectory)}, nil
	}
}

// diagnosticEpisode synthesizes the single episode recorded in place of a
// trajectory the parser could not recover, and counts the reason so the
// Metrics Registry can surface recurring parse failures.
func diagnosticEpisode(reason string) types.Episode {
	metrics.ParserFailuresTotal.WithLabelValues(reason).Inc()
	return types.Episode{
		Index:         0,
		StateAnalysis: reason,
		Metadata:      map[string]any{"diagnostic": true},
	}
}
