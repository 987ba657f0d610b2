package plan

import "sort"

// Assignments maps bundle id -> site id -> assigned line count. A bundle's
// assigned total should not exceed its TotalLines, but manual edits are not
// validated against that (or against site capacity); occupancy queries
// report the true, possibly over-100% usage so callers can render overflow.
type Assignments map[string]map[string]int

// AssignUnchecked adds count lines of a bundle to a site. No capacity or
// total-line validation happens here: this is the manual-override escape
// hatch, and the name says so. count < 1 is ignored.
func (a Assignments) AssignUnchecked(bundleID, siteID string, count int) {
	if count < 1 {
		return
	}
	sites := a[bundleID]
	if sites == nil {
		sites = map[string]int{}
		a[bundleID] = sites
	}
	sites[siteID] += count
}

// Unassign removes the whole (bundle, site) entry. Empty sub-maps are
// dropped so pruning and persistence see no ghost bundles.
func (a Assignments) Unassign(bundleID, siteID string) {
	sites, ok := a[bundleID]
	if !ok {
		return
	}
	delete(sites, siteID)
	if len(sites) == 0 {
		delete(a, bundleID)
	}
}

// AssignedLines sums a bundle's assigned lines across all sites.
func (a Assignments) AssignedLines(bundleID string) int {
	total := 0
	for _, n := range a[bundleID] {
		total += n
	}
	return total
}

// Prune deletes every entry whose bundle id is not in keep. Returns the ids
// that were dropped, sorted.
func (a Assignments) Prune(keep map[string]bool) []string {
	var dropped []string
	for id := range a {
		if !keep[id] {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		delete(a, id)
	}
	sort.Strings(dropped)
	return dropped
}

// Clone deep-copies the table.
func (a Assignments) Clone() Assignments {
	out := make(Assignments, len(a))
	for bid, sites := range a {
		cp := make(map[string]int, len(sites))
		for sid, n := range sites {
			cp[sid] = n
		}
		out[bid] = cp
	}
	return out
}
