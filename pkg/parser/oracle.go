package parser

import (
	"github.com/cuemby/harborctl/pkg/types"
)

// parseOracle implements the oracle fallback of spec §4.6 step 4: an
// oracle.txt with no structured trajectory at all becomes a single episode
// holding its entire contents as one command's output.
func parseOracle(data []byte) []types.Episode {
	zero := 0
	return []types.Episode{{
		Index: 0,
		Commands: []types.Command{{
			Command:  "oracle",
			Output:   string(data),
			ExitCode: &zero,
		}},
	}}
}
