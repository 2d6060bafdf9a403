package intake

import (
	"fmt"
	"strconv"
	"strings"
)

// maxRangeSpan caps how many issues one range may expand to. A span error is
// an input mistake (typoed number) far more often than a real request.
const maxRangeSpan = 100

// ExpandIssueRange expands an issue selector into individual issue numbers.
// Accepted forms, comma-separated: "114" (single), "114-118" (inclusive
// range). A range whose end precedes its start is an ordering error; a range
// spanning more than maxRangeSpan+1 issues is a bound error.
func ExpandIssueRange(spec string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, isRange, err := parseRangePart(part)
		if err != nil {
			return nil, err
		}
		if !isRange {
			out = append(out, strconv.Itoa(start))
			continue
		}
		if end < start {
			return nil, fmt.Errorf("issue range %q: end %d precedes start %d", part, end, start)
		}
		if end-start > maxRangeSpan {
			return nil, fmt.Errorf("issue range %q spans %d issues, more than the %d allowed", part, end-start+1, maxRangeSpan+1)
		}
		for n := start; n <= end; n++ {
			out = append(out, strconv.Itoa(n))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no issues in %q", spec)
	}
	return out, nil
}

func parseRangePart(part string) (start, end int, isRange bool, err error) {
	lo, hi, found := strings.Cut(part, "-")
	start, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid issue number %q", lo)
	}
	if !found {
		return start, 0, false, nil
	}
	end, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid issue number %q", hi)
	}
	return start, end, true, nil
}
