// Package routing decides which destination outputs receive a detected
// task, based on the task's domain label and the flow's output filters.
package routing

import (
	"taskbridge/discussion"
	"taskbridge/flows"
)

// Route computes the fan-out set for one task.
//
// A non-empty domain selects every enabled output whose filter contains it;
// overlapping filters all receive the task, there is no priority ordering.
// When nothing matches (including the empty-domain case) the single default
// output receives it. No match and no default is a configuration error:
// the task must not be silently dropped.
func Route(domain string, outputs []flows.FlowOutput) ([]flows.FlowOutput, error) {
	var matched []flows.FlowOutput
	if domain != "" {
		for _, o := range outputs {
			if o.Disabled {
				continue
			}
			if o.Matches(domain) {
				matched = append(matched, o)
			}
		}
	}
	if len(matched) > 0 {
		return matched, nil
	}

	for _, o := range outputs {
		if o.Disabled {
			continue
		}
		if o.IsDefault {
			return []flows.FlowOutput{o}, nil
		}
	}

	return nil, discussion.Configf("no output matched domain %q and no default output is configured", domain)
}
