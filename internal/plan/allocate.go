package plan

import (
	"sort"

	"fabplan.dev/internal/catalog"
)

// Outcome is the advisory result of an auto-allocation run. The run always
// completes; demand that fits nowhere is reported here, not failed.
type Outcome struct {
	UnassignedLines int `json:"unassigned_line_count"`
	UnassignedPorts int `json:"unassigned_port_total"`
}

// AutoAllocate discards the current assignment table and rebuilds it from
// scratch with Best-Fit-Decreasing: every bundle is expanded into its
// individual lines, lines are placed largest port cost first, and each line
// goes to the feasible site left with the least remaining capacity after
// placement (first such site wins on ties).
//
// Manual assignments do not survive this call. Auto-allocation never
// over-fills a site; lines that fit nowhere are left unassigned and
// counted in the Outcome.
func (s *Session) AutoAllocate(sites []catalog.Site) Outcome {
	s.Assignments = Assignments{}

	type line struct {
		bundleID string
		cost     int
	}
	var lines []line
	for _, b := range s.Bundles {
		cost := b.PortsPerLine
		if cost < 1 {
			cost = 1
		}
		for i := 0; i < b.TotalLines; i++ {
			lines = append(lines, line{bundleID: b.ID, cost: cost})
		}
	}

	// Decreasing by cost; stable so equal-cost lines keep bundle order.
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].cost > lines[j].cost })

	remaining := make([]int, len(sites))
	for i, site := range sites {
		remaining[i] = site.PortCapacity
	}

	var out Outcome
	for _, ln := range lines {
		best := -1
		for i := range sites {
			if remaining[i] < ln.cost {
				continue
			}
			if best == -1 || remaining[i]-ln.cost < remaining[best]-ln.cost {
				best = i
			}
		}
		if best == -1 {
			out.UnassignedLines++
			out.UnassignedPorts += ln.cost
			continue
		}
		remaining[best] -= ln.cost
		s.Assignments.AssignUnchecked(ln.bundleID, sites[best].ID, 1)
	}
	return out
}
