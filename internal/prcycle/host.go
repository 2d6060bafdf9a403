package prcycle

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CIState is the aggregate check status of a branch's pull request.
type CIState string

const (
	CINone    CIState = "none"    // no checks configured
	CIPending CIState = "pending" // checks still running
	CIPassing CIState = "passing"
	CIFailing CIState = "failing"
)

// Host is the forge the PR cycle talks to. The production implementation
// shells out to the gh CLI; tests substitute a fake.
type Host interface {
	// CreatePR opens a pull request for branch against base and returns its
	// URL. If a PR already exists for the branch, its URL is returned.
	CreatePR(dir, branch, base, title, body string) (string, error)
	// CIStatus reports the aggregate check state for the branch's PR.
	CIStatus(dir, branch string) (CIState, error)
}

// GH is the gh-CLI-backed Host.
type GH struct{}

func (GH) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gh %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreatePR opens a PR via `gh pr create`, reusing an existing one when the
// branch already has an open PR.
func (g GH) CreatePR(dir, branch, base, title, body string) (string, error) {
	if url, err := g.existingPR(dir, branch); err == nil && url != "" {
		return url, nil
	}
	out, err := g.run(dir, "pr", "create",
		"--head", branch, "--base", base, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	// gh prints the PR URL as the last non-empty line.
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		return "", fmt.Errorf("gh pr create returned no URL")
	}
	return lines[len(lines)-1], nil
}

func (g GH) existingPR(dir, branch string) (string, error) {
	out, err := g.run(dir, "pr", "view", branch, "--json", "url,state")
	if err != nil {
		return "", err
	}
	var v struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", err
	}
	if v.State != "OPEN" {
		return "", nil
	}
	return v.URL, nil
}

// CIStatus aggregates `gh pr checks` output into a single state.
func (g GH) CIStatus(dir, branch string) (CIState, error) {
	out, err := g.run(dir, "pr", "checks", branch, "--json", "state")
	if err != nil {
		// gh exits nonzero when checks are failing or still pending; fall
		// back to classifying the output text.
		lower := strings.ToLower(out)
		switch {
		case strings.Contains(lower, "no checks"):
			return CINone, nil
		case strings.Contains(lower, "fail"):
			return CIFailing, nil
		case strings.Contains(lower, "pending") || strings.Contains(lower, "progress"):
			return CIPending, nil
		}
		return CINone, err
	}

	var checks []struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &checks); err != nil {
		return CINone, fmt.Errorf("parse gh pr checks: %w", err)
	}
	if len(checks) == 0 {
		return CINone, nil
	}
	state := CIPassing
	for _, c := range checks {
		switch strings.ToUpper(c.State) {
		case "FAILURE", "ERROR", "CANCELLED", "TIMED_OUT":
			return CIFailing, nil
		case "PENDING", "QUEUED", "IN_PROGRESS", "EXPECTED", "WAITING":
			state = CIPending
		}
	}
	return state, nil
}
