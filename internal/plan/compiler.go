package plan

import (
	"fmt"
	"strings"
)

// ConditionCompiler turns a condition expression's source text into a
// Predicate. Implemented by internal/sandbox's condition context
// (§4.4 step 4); injected here so the compiler has no goja dependency
// of its own.
type ConditionCompiler func(source string) (Predicate, error)

// edgeCompileErrors is the array-of-errors the spec's compileEdges
// collects rather than throwing individually (§4.4 step 4).
type edgeCompileErrors []error

func (e edgeCompileErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n\n")
}

// Compile normalises a raw ExecutionPlan into a CompiledExecutionPlan,
// per §4.4. compileCondition is used to turn any string edge condition
// into a Predicate; pass nil to reject plans using string conditions.
func Compile(raw ExecutionPlan, compileCondition ConditionCompiler) (*CompiledExecutionPlan, error) {
	if compileCondition == nil {
		compileCondition = func(string) (Predicate, error) {
			return nil, fmt.Errorf("string edge conditions are not supported")
		}
	}

	jobs := make([]JobSpec, len(raw.Jobs))
	copy(jobs, raw.Jobs)

	// Step 1: assign job-<n> ids to every job lacking one.
	n := 0
	for i := range jobs {
		if jobs[i].ID == "" {
			n++
			jobs[i].ID = fmt.Sprintf("job-%d", n)
		}
	}

	// Step 2: seed start.
	start := raw.Start
	if start == "" && len(jobs) > 0 {
		start = jobs[0].ID
	}

	compiled := &CompiledExecutionPlan{
		Start: start,
		Jobs:  make(map[string]*CompiledJob, len(jobs)),
	}

	var accumulated edgeCompileErrors

	// Step 3: compile each job's edges.
	for _, j := range jobs {
		next, err := compileEdges(j.ID, j.Next, compileCondition)
		if err != nil {
			if errs, ok := err.(edgeCompileErrors); ok {
				accumulated = append(accumulated, errs...)
				continue
			}
			// Step 5: a non-array throw propagates immediately as fatal.
			return nil, fmt.Errorf("compile job %q edges: %w", j.ID, err)
		}

		compiled.Jobs[j.ID] = &CompiledJob{
			ID:            j.ID,
			Expression:    j.Expression,
			State:         j.State,
			Configuration: j.Configuration,
			Next:          next,
		}
	}

	if len(accumulated) > 0 {
		return nil, fmt.Errorf("plan compilation failed: %w", accumulated)
	}

	// Step 3 (previous scan): set Previous by scanning all jobs for one
	// whose Next references this id. At most one previous per node.
	for _, j := range compiled.Jobs {
		for targetID := range j.Next {
			if target, ok := compiled.Jobs[targetID]; ok {
				target.Previous = j.ID
			}
		}
	}

	if err := validate(compiled); err != nil {
		return nil, err
	}

	return compiled, nil
}

// validate enforces the invariants of §3: every next-referenced id must
// exist as a job key, and start must exist.
func validate(p *CompiledExecutionPlan) error {
	if p.Start == "" {
		return fmt.Errorf("plan compilation failed: no start job")
	}
	if _, ok := p.Jobs[p.Start]; !ok {
		return fmt.Errorf("plan compilation failed: start job %q not found", p.Start)
	}

	for _, j := range p.Jobs {
		for targetID := range j.Next {
			if _, ok := p.Jobs[targetID]; !ok {
				return fmt.Errorf("plan compilation failed: job %q references unknown next job %q", j.ID, targetID)
			}
		}
	}
	return nil
}

// compileEdges implements §4.4 step 4.
func compileEdges(from string, rawNext any, compileCondition ConditionCompiler) (map[string]*Edge, error) {
	if rawNext == nil {
		return nil, nil
	}

	// A bare string successor id: { [edges]: true }.
	if s, ok := rawNext.(string); ok {
		return map[string]*Edge{s: {}}, nil
	}

	entries, ok := rawNext.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("job %q: next must be a string or a map", from)
	}

	var errs edgeCompileErrors
	out := make(map[string]*Edge, len(entries))

	for targetID, rawEdge := range entries {
		switch edge := rawEdge.(type) {
		case bool:
			out[targetID] = &Edge{}
		case string:
			pred, err := compileCondition(edge)
			if err != nil {
				errs = append(errs, fmt.Errorf("job %q -> %q: %w", from, targetID, err))
				continue
			}
			out[targetID] = &Edge{Condition: pred}
		case map[string]any:
			cond, hasCond := edge["condition"]
			if !hasCond {
				out[targetID] = &Edge{}
				continue
			}
			condStr, ok := cond.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("job %q -> %q: condition must be a string", from, targetID))
				continue
			}
			pred, err := compileCondition(condStr)
			if err != nil {
				errs = append(errs, fmt.Errorf("job %q -> %q: %w", from, targetID, err))
				continue
			}
			out[targetID] = &Edge{Condition: pred}
		default:
			errs = append(errs, fmt.Errorf("job %q -> %q: unsupported edge shape %T", from, targetID, rawEdge))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}
