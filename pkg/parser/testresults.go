package parser

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ctrfDocument is the subset of the CTRF (common test-results format) this
// parser consumes: results.summary.{passed,tests} plus results.tests[].
type ctrfDocument struct {
	Results struct {
		Summary struct {
			Passed int `json:"passed"`
			Tests  int `json:"tests"`
		} `json:"summary"`
		Tests []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"tests"`
	} `json:"results"`
}

// resultJSONDocument is the subset of result.json's fallback shape this
// parser consumes.
type resultJSONDocument struct {
	VerifierResult struct {
		Rewards map[string]int `json:"rewards"`
	} `json:"verifier_result"`
}

// parseTestResults implements spec §4.6 step 3: prefer verifier/ctrf.json,
// else fall back to result.json's verifier_result.rewards map.
func parseTestResults(trialDir string) (passed, total int, cases []TestCase, rewards map[string]int, err error) {
	ctrfPath := filepath.Join(trialDir, "verifier", "ctrf.json")
	if data, readErr := os.ReadFile(ctrfPath); readErr == nil {
		var doc ctrfDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return 0, 0, nil, nil, err
		}
		rewards = make(map[string]int, len(doc.Results.Tests))
		cases = make([]TestCase, 0, len(doc.Results.Tests))
		for _, t := range doc.Results.Tests {
			p := t.Status == "passed"
			cases = append(cases, TestCase{Name: t.Name, Passed: p})
			if p {
				rewards[t.Name] = 1
			} else {
				rewards[t.Name] = 0
			}
		}
		return doc.Results.Summary.Passed, doc.Results.Summary.Tests, cases, rewards, nil
	}

	resultPath := filepath.Join(trialDir, "result.json")
	data, readErr := os.ReadFile(resultPath)
	if readErr != nil {
		// Neither file is present: an empty rewards map is a legitimate
		// (if degenerate) verifier outcome -- 0/0 tests, treated as failure
		// by the caller per spec's "0/0 is failure" rule.
		return 0, 0, nil, map[string]int{}, nil
	}

	var doc resultJSONDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, 0, nil, nil, err
	}

	rewards = doc.VerifierResult.Rewards
	if rewards == nil {
		rewards = map[string]int{}
	}
	cases = make([]TestCase, 0, len(rewards))
	for name, v := range rewards {
		cases = append(cases, TestCase{Name: name, Passed: v == 1})
		if v == 1 {
			passed++
		}
	}
	total = len(rewards)
	return passed, total, cases, rewards, nil
}
