// Package decompose implements the decomposition driver: one bounded
// reasoning-service call that turns a root task's prompt into a dependency
// graph of subtasks, persisted through internal/persistence's transactional
// batch-create and batch-dependency-update operations.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/orchestrator/internal/brain"
	"github.com/basket/orchestrator/internal/persistence"
	"github.com/basket/orchestrator/internal/skills"
)

// ErrorKind classifies a decomposition failure for diagnostics.
type ErrorKind string

const (
	ErrorTimeout  ErrorKind = "timeout"
	ErrorAborted  ErrorKind = "aborted"
	ErrorProvider ErrorKind = "provider"
	ErrorUnknown  ErrorKind = "unknown"
)

// Error is the typed decomposition error returned on any failure, carrying
// both a technical message (logs) and a user-visible one (chat notification).
type Error struct {
	Kind        ErrorKind
	Technical   string
	UserMessage string
	Elapsed     time.Duration
}

func (e *Error) Error() string { return e.Technical }

func classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	if err == context.DeadlineExceeded || strings.Contains(err.Error(), "deadline exceeded") {
		return ErrorTimeout
	}
	if err == context.Canceled {
		return ErrorAborted
	}
	switch brain.ClassifyError(err) {
	case brain.ErrorClassTimeout:
		return ErrorTimeout
	case brain.ErrorClassRateLimit, brain.ErrorClassBilling:
		return ErrorProvider
	default:
		return ErrorUnknown
	}
}

// Subtask is one node of a decomposition plan, keyed by Title for dependency
// resolution (the reasoning service references dependencies by sibling title,
// not by an id it cannot know in advance).
type Subtask struct {
	Title        string   `json:"title"`
	Prompt       string   `json:"prompt"`
	ModelTier    string   `json:"model_tier,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	CapabilityID string   `json:"capability_id,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

const subtaskArraySchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1},
			"model_tier": {"type": "string"},
			"skills": {"type": "array", "items": {"type": "string"}},
			"capability_id": {"type": "string"},
			"depends_on": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["title", "prompt"]
	}
}`

// Driver runs root-task decomposition against a reasoning service.
type Driver struct {
	b          brain.Brain
	store      *persistence.Store
	timeout    time.Duration
	maxRetries int
}

// New builds a Driver bounded by timeout (default ~120s) and a JSON-fix
// retry budget (maxRetries, default 2 — one initial attempt plus up to 2
// fix-your-JSON retries).
func New(b brain.Brain, store *persistence.Store, timeout time.Duration, maxRetries int) *Driver {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Driver{b: b, store: store, timeout: timeout, maxRetries: maxRetries}
}

// Result is what a completed decomposition run produced for its caller: the
// ids of the created children (empty means "run the root itself") and
// whether the plan was a parse-failure fallback.
type Result struct {
	ChildIDs []string
	Fallback bool
}

// Decompose calls the reasoning service once (with a fix-your-JSON retry
// loop on parse failure) to turn requestText into a dependency graph of
// subtasks for rootTaskID, then persists it via CreateTasksBatch +
// ApplyDependenciesBatch. An empty Result.ChildIDs with no error means the
// plan had zero subtasks; the caller runs the root as a single agent.
func (d *Driver) Decompose(ctx context.Context, workerID, rootTaskID, modelTier, requestText string, manifest []skills.LoadedSkill) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	runID, err := d.store.StartDecompositionRun(ctx, workerID, rootTaskID, modelTier, d.timeout.Milliseconds(), len(requestText))
	if err != nil {
		return nil, fmt.Errorf("start decomposition run: %w", err)
	}

	validator, err := brain.NewStructuredValidator(json.RawMessage(subtaskArraySchema), d.maxRetries, false)
	if err != nil {
		return nil, fmt.Errorf("compile subtask schema: %w", err)
	}

	prompt := buildPrompt(requestText, manifest)
	sessionID := "decompose:" + rootTaskID

	raw, cost, respErr := d.b.Respond(ctx, sessionID, prompt)
	parseAttempts := 1
	fallback := false
	var subtasks []Subtask

	if respErr != nil {
		d.recordCost(ctx, workerID, cost)
		elapsed := time.Since(start)
		kind := classify(respErr)
		_ = d.store.FinishDecompositionRun(ctx, runID, elapsed, len(prompt), 0, parseAttempts, false, string(kind), "")
		return nil, &Error{Kind: kind, Technical: fmt.Sprintf("decomposition call failed: %v", respErr), UserMessage: "Planning this request failed; please try again.", Elapsed: elapsed}
	}

	validJSON, _, valErr, retryCost, fatalErr := brain.ValidateAndRetry(ctx, d.b, sessionID, validator, raw)
	cost += retryCost
	d.recordCost(ctx, workerID, cost)
	if fatalErr != nil {
		elapsed := time.Since(start)
		kind := classify(fatalErr)
		_ = d.store.FinishDecompositionRun(ctx, runID, elapsed, len(prompt), len(raw), parseAttempts, false, string(kind), excerpt(raw))
		return nil, &Error{Kind: kind, Technical: fmt.Sprintf("decomposition retry failed: %v", fatalErr), UserMessage: "Planning this request failed; please try again.", Elapsed: elapsed}
	}
	parseAttempts += d.maxRetries

	if valErr != "" || validJSON == "" {
		// Parse never converged: single-task fallback.
		fallback = true
		subtasks = nil
	} else if err := json.Unmarshal([]byte(validJSON), &subtasks); err != nil {
		fallback = true
		subtasks = nil
	}

	elapsed := time.Since(start)
	errorCode := ""
	if fallback {
		errorCode = "parse_failure"
	}
	if err := d.store.FinishDecompositionRun(ctx, runID, elapsed, len(prompt), len(validJSON), parseAttempts, fallback, errorCode, excerpt(raw)); err != nil {
		return nil, fmt.Errorf("finish decomposition run: %w", err)
	}

	if fallback {
		subtasks = []Subtask{{Title: "root", Prompt: requestText}}
	}
	if len(subtasks) == 0 {
		return &Result{}, nil
	}

	childIDs, err := d.persist(ctx, workerID, rootTaskID, subtasks, skillMap(manifest))
	if err != nil {
		return nil, fmt.Errorf("persist decomposition plan: %w", err)
	}
	return &Result{ChildIDs: childIDs, Fallback: fallback}, nil
}

// recordCost adds a non-zero decomposition cost to the worker's accumulated
// spend. Logged and dropped on failure: a cost-recording error must never
// fail the decomposition it is accounting for.
func (d *Driver) recordCost(ctx context.Context, workerID string, cost float64) {
	if cost <= 0 {
		return
	}
	_ = d.store.AddWorkerCost(ctx, workerID, cost)
}

// skillMap indexes a skill manifest by canonical name so persist can inline
// the loaded instructions a subtask's Skills field references.
func skillMap(manifest []skills.LoadedSkill) map[string]skills.LoadedSkill {
	m := make(map[string]skills.LoadedSkill, len(manifest))
	for _, sk := range manifest {
		m[skills.CanonicalSkillKey(sk.Skill.Name)] = sk
	}
	return m
}

// persist batch-creates the children, then resolves title->id for dependency
// edges and applies them atomically, flipping depended-upon children to
// blocked.
func (d *Driver) persist(ctx context.Context, workerID, rootTaskID string, subtasks []Subtask, manifest map[string]skills.LoadedSkill) ([]string, error) {
	depth, err := taskDepth(ctx, d.store, rootTaskID)
	if err != nil {
		return nil, err
	}

	inputs := make([]persistence.NewTaskInput, len(subtasks))
	for i, st := range subtasks {
		inputs[i] = persistence.NewTaskInput{
			WorkerID:     workerID,
			ParentID:     rootTaskID,
			Title:        st.Title,
			Prompt:       inlineSkillInstructions(st.Prompt, st.Skills, manifest),
			ModelTier:    st.ModelTier,
			SkillList:    st.Skills,
			CapabilityID: st.CapabilityID,
			Depth:        depth + 1,
		}
	}
	ids, err := d.store.CreateTasksBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}

	titleToID := make(map[string]string, len(subtasks))
	for i, st := range subtasks {
		titleToID[st.Title] = ids[i]
	}

	var updates []persistence.DependencyUpdate
	for i, st := range subtasks {
		if len(st.DependsOn) == 0 {
			continue
		}
		depIDs := make([]string, 0, len(st.DependsOn))
		for _, depTitle := range st.DependsOn {
			if depID, ok := titleToID[depTitle]; ok {
				depIDs = append(depIDs, depID)
			}
		}
		if len(depIDs) == 0 {
			continue
		}
		updates = append(updates, persistence.DependencyUpdate{TaskID: ids[i], DepIDs: depIDs, NewStatus: persistence.TaskBlocked})
	}
	if len(updates) > 0 {
		if err := d.store.ApplyDependenciesBatch(ctx, updates); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func taskDepth(ctx context.Context, store *persistence.Store, taskID string) (int, error) {
	t, err := store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return t.Depth, nil
}

// inlineSkillInstructions inlines the textual contents of each skill's
// descriptor into a subtask's prompt under a "Skill Instructions" section,
// for every subtask with a non-empty skill list, so skills are visible to
// the executing agent regardless of filesystem injection. manifest may be
// nil when the caller has already resolved instructions elsewhere;
// skillNames alone still produces a labeled section.
func inlineSkillInstructions(prompt string, skillNames []string, manifest map[string]skills.LoadedSkill) string {
	if len(skillNames) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n## Skill Instructions\n")
	for _, name := range skillNames {
		sb.WriteString("\n### ")
		sb.WriteString(name)
		sb.WriteString("\n")
		if manifest != nil {
			if sk, ok := manifest[skills.CanonicalSkillKey(name)]; ok {
				sb.WriteString(sk.Skill.Instructions)
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func buildPrompt(requestText string, manifest []skills.LoadedSkill) string {
	var sb strings.Builder
	sb.WriteString("You are decomposing a user request into a dependency graph of subtasks.\n")
	sb.WriteString("Respond with a JSON array. Each element has: title (string), prompt (string), ")
	sb.WriteString("optional model_tier (string), optional skills (array of skill names), ")
	sb.WriteString("optional capability_id (string), optional depends_on (array of sibling titles).\n")
	sb.WriteString("If the request needs no decomposition, respond with an empty array [].\n\n")
	if len(manifest) > 0 {
		sb.WriteString("Available skills:\n")
		for _, sk := range manifest {
			if !sk.Eligible {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", sk.Skill.Name, sk.Skill.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("User request:\n")
	sb.WriteString(requestText)
	return sb.String()
}

func excerpt(s string) string {
	if len(s) > 1200 {
		return s[:1200]
	}
	return s
}
