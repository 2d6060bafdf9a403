package intake

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedTask is one task line extracted from a plan.
type ParsedTask struct {
	Number    int    // position in the plan's numbered list, 1-based
	Name      string
	Plan      string
	Group     string // parallel display group
	DependsOn []int  // plan numbers this task waits for
}

var (
	numberedRe = regexp.MustCompile(`^(\d+)[\.\)]\s+(.+)`)
	dependsRe  = regexp.MustCompile(`\(depends on:\s*([\d,\s]+)\)`)
	groupRe    = regexp.MustCompile(`\(group:\s*([\w-]+)\)`)
)

// ParsePlan extracts tasks from a markdown plan. Expected format:
//
//	TASKS:
//	1. Add the schema - Create migrations for the new tables
//	2. Wire the endpoints - ... (depends on: 1)
//	3. Write the docs (depends on: 1, 2) (group: docs)
//
// A "TASKS:" header is optional; any numbered list is accepted. Dependency
// references are plan numbers, resolved to task ids by the caller after
// insertion. Lines referencing unknown numbers are kept with the dangling
// reference dropped.
func ParsePlan(plan string) []ParsedTask {
	var tasks []ParsedTask

	for _, line := range strings.Split(plan, "\n") {
		trimmed := strings.TrimSpace(line)
		match := numberedRe.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}
		num, err := strconv.Atoi(match[1])
		if err != nil || num < 1 {
			continue
		}
		content := match[2]

		var deps []int
		if m := dependsRe.FindStringSubmatch(content); m != nil {
			for _, s := range strings.Split(m[1], ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n >= 1 {
					deps = append(deps, n)
				}
			}
			content = strings.TrimSpace(dependsRe.ReplaceAllString(content, ""))
		}

		group := ""
		if m := groupRe.FindStringSubmatch(content); m != nil {
			group = m[1]
			content = strings.TrimSpace(groupRe.ReplaceAllString(content, ""))
		}

		name, detail := content, ""
		if idx := strings.Index(content, " - "); idx > 0 {
			name = strings.TrimSpace(content[:idx])
			detail = strings.TrimSpace(content[idx+3:])
		}
		name = strings.TrimSpace(strings.Trim(name, "[]**`"))
		if name == "" {
			continue
		}

		tasks = append(tasks, ParsedTask{
			Number:    num,
			Name:      name,
			Plan:      detail,
			Group:     group,
			DependsOn: deps,
		})
	}

	// Drop references to numbers that never appeared.
	known := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		known[t.Number] = true
	}
	for i := range tasks {
		var kept []int
		for _, d := range tasks[i].DependsOn {
			if known[d] && d != tasks[i].Number {
				kept = append(kept, d)
			}
		}
		tasks[i].DependsOn = kept
	}
	return tasks
}
