// Package classify turns one captured agent output into a structured
// per-loop classification. The heuristics are keyword-based and intentionally
// coarse; the only authoritative completion path is the structured status
// block an agent emits when told to.
package classify

import (
	"fmt"
	"os"
	"strings"
)

// SchemaVersion tags every Result so matching rules can evolve without
// breaking stored records.
const SchemaVersion = 1

// StatusSentinel marks the start of the machine-readable status block in
// agent output. Fields after it: STATUS, EXIT_SIGNAL, SUMMARY.
const StatusSentinel = "---RALPH_STATUS---"

// stuckThreshold is the number of error keyword hits a single output must
// strictly exceed before the loop counts as stuck.
const stuckThreshold = 5

// Keyword tables for the heuristic scan. All matching is case-insensitive
// substring matching; over- and under-counting is accepted imprecision.
//
//nolint:gochecknoglobals // Lookup tables for the classification heuristics
var (
	completionPhrases = []string{
		"all tasks complete",
		"project complete",
		"ready for review",
		"finished",
		"complete",
		"done",
	}

	noWorkPhrases = []string{
		"nothing to do",
		"no changes",
		"already implemented",
		"up to date",
	}

	testMarkers = []string{
		"go test",
		"npm test",
		"pytest",
		"cargo test",
		"running tests",
		"test suite",
		"tests passed",
	}

	implementationMarkers = []string{
		"implementing",
		"creating",
		"writing",
		"adding",
		"function",
		"class",
	}

	errorKeywords = []string{
		"error",
		"failed",
		"failure",
		"exception",
		"fatal",
		"panic",
	}
)

// Result is one loop's classification. Immutable once returned.
type Result struct {
	Version                 int    `json:"version"`
	Loop                    int    `json:"loop"`
	HasStructuredCompletion bool   `json:"has_structured_completion"`
	CompletionHint          bool   `json:"completion_hint"`
	CompletionHintScore     int    `json:"completion_hint_score"`
	IsTestOnly              bool   `json:"is_test_only"`
	IsStuck                 bool   `json:"is_stuck"`
	HasProgress             bool   `json:"has_progress"`
	FilesModified           int    `json:"files_modified"`
	ConfidenceScore         int    `json:"confidence_score"`
	ExitSignal              bool   `json:"exit_signal"`
	WorkSummary             string `json:"work_summary"`
	OutputLength            int    `json:"output_length"`
}

// Classifier computes a structured classification from one output capture.
type Classifier interface {
	// Classify scans output text plus the file-change count for one loop.
	Classify(output string, loop, filesModified int) Result

	// ClassifyFile reads the capture file at path and classifies it. A
	// missing capture file is a fatal input error for that call.
	ClassifyFile(path string, loop, filesModified int) (Result, error)
}

// Heuristic is the keyword-scanning Classifier. It remembers the previous
// loop's output length to spot declining engagement. Not safe for concurrent
// use; the orchestrator owns exactly one per run.
type Heuristic struct {
	prevOutputLength int
}

// NewHeuristic creates a classifier with no output-length history.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Classify scans output text plus the file-change count for one loop.
//
// Confidence accumulates +10 for a completion phrase, +15 for a no-work
// phrase, +20 for file changes, +10 for a halved output length. A structured
// completion overrides the sum to exactly 100 and is the only signal that
// sets ExitSignal.
func (h *Heuristic) Classify(output string, loop, filesModified int) Result {
	lower := strings.ToLower(output)

	r := Result{
		Version:       SchemaVersion,
		Loop:          loop,
		FilesModified: filesModified,
		OutputLength:  len(output),
	}

	block := parseStatusBlock(output)
	r.HasStructuredCompletion = block.completes()

	if matchesAny(lower, completionPhrases) {
		r.CompletionHint = true
		r.CompletionHintScore += 10
		r.ConfidenceScore += 10
	}

	testHits := countAll(lower, testMarkers)
	implHits := countAll(lower, implementationMarkers)
	r.IsTestOnly = testHits > 0 && implHits == 0

	r.IsStuck = countAll(lower, errorKeywords) > stuckThreshold

	if matchesAny(lower, noWorkPhrases) {
		r.CompletionHint = true
		r.CompletionHintScore += 15
		r.ConfidenceScore += 15
	}

	if filesModified > 0 {
		r.HasProgress = true
		r.ConfidenceScore += 20
	}

	// Previous length 0 means no history yet; no trend signal either way.
	if h.prevOutputLength > 0 && r.OutputLength*2 < h.prevOutputLength {
		r.ConfidenceScore += 10
	}
	h.prevOutputLength = r.OutputLength

	if r.HasStructuredCompletion {
		r.ConfidenceScore = 100
	}
	r.ExitSignal = r.HasStructuredCompletion
	r.WorkSummary = summarize(r, block.summary)

	return r
}

// ClassifyFile reads the capture file at path and classifies it.
func (h *Heuristic) ClassifyFile(path string, loop, filesModified int) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read output capture %s: %w", path, err)
	}
	return h.Classify(string(data), loop, filesModified), nil
}

// statusBlock holds the parsed machine-readable fields following the
// sentinel. First occurrence of each field wins.
type statusBlock struct {
	found   bool
	status  string
	exit    bool
	summary string
}

// completes reports whether the block authoritatively signals completion.
func (b statusBlock) completes() bool {
	if !b.found {
		return false
	}
	return strings.EqualFold(b.status, "COMPLETE") || b.exit
}

func parseStatusBlock(output string) statusBlock {
	idx := strings.Index(output, StatusSentinel)
	if idx < 0 {
		return statusBlock{}
	}

	block := statusBlock{found: true}
	for _, line := range strings.Split(output[idx+len(StatusSentinel):], "\n") {
		line = strings.TrimSpace(line)
		if v, ok := cutField(line, "STATUS"); ok && block.status == "" {
			block.status = v
		}
		if v, ok := cutField(line, "EXIT_SIGNAL"); ok {
			block.exit = block.exit || strings.EqualFold(v, "true")
		}
		if v, ok := cutField(line, "SUMMARY"); ok && block.summary == "" {
			block.summary = v
		}
	}
	return block
}

// cutField extracts the value of a "NAME: value" line, case-insensitive on
// the field name.
func cutField(line, name string) (string, bool) {
	if len(line) <= len(name) || line[len(name)] != ':' {
		return "", false
	}
	if !strings.EqualFold(line[:len(name)], name) {
		return "", false
	}
	return strings.TrimSpace(line[len(name)+1:]), true
}

func matchesAny(haystack string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

func countAll(haystack string, keywords []string) int {
	total := 0
	for _, k := range keywords {
		total += strings.Count(haystack, k)
	}
	return total
}

// summarize produces the short work summary: the structured block's own
// summary when present, else a fixed text for the dominant signal.
func summarize(r Result, blockSummary string) string {
	if blockSummary != "" {
		return blockSummary
	}
	switch {
	case r.HasStructuredCompletion:
		return "agent reported completion"
	case r.IsStuck:
		return "repeated errors in output"
	case r.IsTestOnly:
		return "test activity only"
	case r.HasProgress:
		return fmt.Sprintf("%d file(s) modified", r.FilesModified)
	case r.CompletionHint:
		return "completion hints without file changes"
	default:
		return "no notable signals"
	}
}
