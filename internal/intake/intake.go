// Package intake creates workflows: from a free-form prompt, from a plan
// document, or from a range of GitHub issues. The plan parser turns a
// markdown numbered list into a task DAG; issue intake fetches each issue
// body and creates one task per issue under a single workflow.
package intake

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/imkarma/foreman/internal/graph"
	"github.com/imkarma/foreman/internal/store"
)

// Issue is the subset of a forge issue the planner needs.
type Issue struct {
	Number string `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// IssueFetcher retrieves issues from the forge. The production implementation
// shells out to the gh CLI; tests substitute a fake.
type IssueFetcher interface {
	FetchIssue(dir, number string) (*Issue, error)
}

// GHIssues fetches issues via the gh CLI.
type GHIssues struct{}

// FetchIssue reads one issue with `gh issue view`.
func (GHIssues) FetchIssue(dir, number string) (*Issue, error) {
	cmd := exec.Command("gh", "issue", "view", number, "--json", "number,title,body")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh issue view %s: %w", number, err)
	}
	var raw struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse issue %s: %w", number, err)
	}
	return &Issue{Number: fmt.Sprint(raw.Number), Title: raw.Title, Body: raw.Body}, nil
}

// Service builds workflows on top of the store and graph service.
type Service struct {
	store  *store.Store
	graph  *graph.Service
	issues IssueFetcher
}

// New creates an intake service. issues may be nil, which defaults to gh.
func New(s *store.Store, g *graph.Service, issues IssueFetcher) *Service {
	if issues == nil {
		issues = GHIssues{}
	}
	return &Service{store: s, graph: g, issues: issues}
}

// Options tunes workflow creation.
type Options struct {
	MaxParallelTasks int
	Config           map[string]any
}

// FromPrompt creates a workflow from a free-form prompt with a plan already
// in hand. The plan's numbered list becomes the task DAG; the workflow is
// left in ready when the plan yielded tasks, planning otherwise.
func (sv *Service) FromPrompt(name, prompt, plan string, opts Options) (*store.Workflow, error) {
	wf, err := sv.store.CreateWorkflow(store.NewWorkflow{
		Name:             name,
		SourceType:       "prompt",
		SourceContent:    prompt,
		MaxParallelTasks: opts.MaxParallelTasks,
		Config:           opts.Config,
	})
	if err != nil {
		return nil, err
	}
	if plan == "" {
		return wf, nil
	}
	if err := sv.ApplyPlan(wf.ID, plan); err != nil {
		return nil, err
	}
	return sv.store.GetWorkflow(wf.ID)
}

// FromIssues expands an issue selector ("114", "114-118", "1,3,7-9"),
// fetches each issue, and creates one workflow with one task per issue.
// Issue tasks are independent: no dependency edges between them.
func (sv *Service) FromIssues(dir, name, rangeSpec string, opts Options) (*store.Workflow, error) {
	numbers, err := ExpandIssueRange(rangeSpec)
	if err != nil {
		return nil, err
	}

	issues := make([]*Issue, 0, len(numbers))
	for _, n := range numbers {
		iss, err := sv.issues.FetchIssue(dir, n)
		if err != nil {
			return nil, err
		}
		issues = append(issues, iss)
	}

	if name == "" {
		name = fmt.Sprintf("issues %s", rangeSpec)
	}
	wf, err := sv.store.CreateWorkflow(store.NewWorkflow{
		Name:             name,
		SourceType:       "github_issue",
		SourceContent:    rangeSpec,
		MaxParallelTasks: opts.MaxParallelTasks,
		Config:           opts.Config,
	})
	if err != nil {
		return nil, err
	}

	for i, iss := range issues {
		_, err := sv.graph.AddTask(wf.ID, graph.TaskSpec{
			Name:     fmt.Sprintf("#%s %s", iss.Number, iss.Title),
			Sequence: i + 1,
			Plan:     iss.Body,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := sv.store.UpdateWorkflowStatus(wf.ID, store.WorkflowReady); err != nil {
		return nil, err
	}
	return sv.store.GetWorkflow(wf.ID)
}

// ApplyPlan records the raw plan on the workflow and materializes its
// numbered list as tasks with dependency edges. Dependencies reference plan
// numbers; they are resolved to task ids after every node is inserted so
// forward references work.
func (sv *Service) ApplyPlan(workflowID, plan string) error {
	if err := sv.store.SetInitialPlan(workflowID, plan); err != nil {
		return err
	}
	parsed := ParsePlan(plan)
	if len(parsed) == 0 {
		return fmt.Errorf("plan contains no tasks")
	}

	idByNumber := make(map[int]string, len(parsed))
	for _, pt := range parsed {
		t, err := sv.graph.AddTask(workflowID, graph.TaskSpec{
			Name:          pt.Name,
			Sequence:      pt.Number,
			ParallelGroup: pt.Group,
			Plan:          pt.Plan,
		})
		if err != nil {
			return err
		}
		idByNumber[pt.Number] = t.ID
	}
	for _, pt := range parsed {
		for _, dep := range pt.DependsOn {
			depID, ok := idByNumber[dep]
			if !ok {
				continue
			}
			if err := sv.graph.AddDependency(idByNumber[pt.Number], depID); err != nil {
				return err
			}
		}
	}
	return sv.store.UpdateWorkflowStatus(workflowID, store.WorkflowReady)
}

// Summary renders a short human-readable digest of a created workflow.
func Summary(wf *store.Workflow, tasks []store.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s (%s, %d tasks)\n", wf.ID, wf.Name, wf.Status, len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "  %2d. [%s] %s\n", t.Sequence, t.Status, t.Name)
	}
	return sb.String()
}
