package domain

import "fmt"

// Stage is one phase of the analysis pipeline.
type Stage string

const (
	StageAnalyze  Stage = "ANALYZE"
	StageAdvise   Stage = "ADVISE"
	StageScan     Stage = "SCAN"
	StageEvaluate Stage = "EVALUATE"
	StageReport   Stage = "REPORT"
)

// EndpointOrchestrator is the transport endpoint workers report job outcomes to.
const EndpointOrchestrator = "orchestrator"

// Pipeline is the fixed stage order.
var Pipeline = []Stage{StageAnalyze, StageAdvise, StageScan, StageEvaluate, StageReport}

var stageEndpoints = map[Stage]string{
	StageAnalyze:  "analyzer",
	StageAdvise:   "advisor",
	StageScan:     "scanner",
	StageEvaluate: "evaluator",
	StageReport:   "reporter",
}

// Endpoint returns the name of the transport endpoint serving the stage.
func (s Stage) Endpoint() string {
	return stageEndpoints[s]
}

// Index returns the position of the stage in the pipeline, or -1 for unknown stages.
func (s Stage) Index() int {
	for i, st := range Pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// StageForEndpoint maps an endpoint name back to its stage.
func StageForEndpoint(endpoint string) (Stage, error) {
	for stage, name := range stageEndpoints {
		if name == endpoint {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage endpoint: %s", endpoint)
}

// Endpoints lists every transport endpoint, the orchestrator first.
func Endpoints() []string {
	out := []string{EndpointOrchestrator}
	for _, s := range Pipeline {
		out = append(out, s.Endpoint())
	}
	return out
}
