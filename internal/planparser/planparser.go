// Package planparser implements the "Plan parser" external contract of
// §6.6: parse_plan_content(content) -> ParsedPlan | error, where ParsedPlan
// exposes goal, tasks, to_workflow_state(), and validate_dag(). The wire
// format is a JSON document naming a goal and a mapping of task templates;
// malformed JSON, cycles, and missing dependencies all surface as errors
// with the offending detail named, per §7's "cycle errors name the
// offending node" requirement.
package planparser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
)

// TaskTemplate is the subset of Task fields a plan author may specify; the
// core fills in status/claimed_by/timestamps on import.
type TaskTemplate struct {
	Description string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	Instructions string `json:"instructions"`
	Role         string `json:"role"`
	Model        string `json:"model"`

	FilesInScope         []string `json:"files_in_scope"`
	FilesOutOfScope      []string `json:"files_out_of_scope"`
	InputContext         string   `json:"input_context"`
	OutputContract       string   `json:"output_contract"`
	Constraints          []string `json:"constraints"`
	Tools                []string `json:"tools"`
	VerificationCommands []string `json:"verification_commands"`
	SuccessCriteria      []string `json:"success_criteria"`
	ArtifactsToRead      []string `json:"artifacts_to_read"`
	ArtifactsToWrite     []string `json:"artifacts_to_write"`
}

// ParsedPlan is the parser's output contract.
type ParsedPlan struct {
	Goal  string
	Tasks map[string]TaskTemplate
}

// wireFormat is the JSON shape plan_import content is expected to carry.
type wireFormat struct {
	Goal  string                  `json:"goal"`
	Tasks map[string]TaskTemplate `json:"tasks"`
}

// ParsePlanContent parses free-form content into a ParsedPlan. The only
// recognized format is the JSON document {goal, tasks}; anything else
// (unparsable JSON, missing "tasks") is a recognized-plan failure.
func ParsePlanContent(content string) (ParsedPlan, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ParsedPlan{}, fmt.Errorf("plan_import: empty content; see the plan template command")
	}

	var wire wireFormat
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		return ParsedPlan{}, fmt.Errorf("plan_import: no recognized plan in content (invalid JSON: %v); see the plan template command", err)
	}
	if wire.Tasks == nil {
		return ParsedPlan{}, fmt.Errorf("plan_import: no recognized plan in content (missing \"tasks\"); see the plan template command")
	}

	return ParsedPlan{Goal: wire.Goal, Tasks: wire.Tasks}, nil
}

// ToWorkflowState renders the parsed plan as a fresh WorkflowState with
// every task defaulted to PENDING.
func (p ParsedPlan) ToWorkflowState() dagmodel.WorkflowState {
	state := dagmodel.WorkflowState{Tasks: make(map[string]dagmodel.Task, len(p.Tasks))}
	for id, tpl := range p.Tasks {
		timeout := tpl.TimeoutSeconds
		if timeout <= 0 {
			timeout = dagmodel.DefaultTimeoutSeconds
		}
		state.Tasks[id] = dagmodel.Task{
			ID:                   id,
			Description:          tpl.Description,
			Status:               dagmodel.StatusPending,
			Dependencies:         append([]string(nil), tpl.Dependencies...),
			TimeoutSeconds:       timeout,
			Instructions:         tpl.Instructions,
			Role:                 tpl.Role,
			Model:                tpl.Model,
			FilesInScope:         tpl.FilesInScope,
			FilesOutOfScope:      tpl.FilesOutOfScope,
			InputContext:         tpl.InputContext,
			OutputContract:       tpl.OutputContract,
			Constraints:          tpl.Constraints,
			Tools:                tpl.Tools,
			VerificationCommands: tpl.VerificationCommands,
			SuccessCriteria:      tpl.SuccessCriteria,
			ArtifactsToRead:      tpl.ArtifactsToRead,
			ArtifactsToWrite:     tpl.ArtifactsToWrite,
		}
	}
	return state
}

// ValidateDAG re-exposes dagmodel's validation so callers holding only a
// ParsedPlan (before converting to a WorkflowState) can check acyclicity
// and dependency existence up front, naming the offending task id in the
// error as §7 requires.
func (p ParsedPlan) ValidateDAG() error {
	return dagmodel.ValidateDAG(p.ToWorkflowState())
}
