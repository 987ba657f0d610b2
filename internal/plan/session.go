package plan

import (
	"sort"

	"fabplan.dev/internal/catalog"
)

// Target is one selected end product and how many production lines of it
// the plan should supply.
type Target struct {
	ItemID string `json:"item_id"`
	Lines  int    `json:"lines"`
}

// Session is the mutable state of one planning session: the selected
// targets, the chosen split points, the bundles derived from them, and the
// bundle-to-site assignment table.
//
// A Session is not safe for concurrent use; the planner service owns each
// instance on a single goroutine.
type Session struct {
	ID string

	Targets     []Target
	SplitPoints map[string]struct{}

	Bundles     []Bundle
	Assignments Assignments

	byID map[string]Bundle
}

func NewSession(id string) *Session {
	return &Session{
		ID:          id,
		SplitPoints: map[string]struct{}{},
		Assignments: Assignments{},
		byID:        map[string]Bundle{},
	}
}

// State is the persisted shape of a session: everything needed to rebuild
// it by re-deriving bundles from the same selection.
type State struct {
	Targets     []Target    `json:"targets"`
	SplitPoints []string    `json:"split_points"`
	Assignments Assignments `json:"assignments"`
}

func (s *Session) ExportState() State {
	sp := make([]string, 0, len(s.SplitPoints))
	for id := range s.SplitPoints {
		sp = append(sp, id)
	}
	sort.Strings(sp)
	return State{
		Targets:     append([]Target(nil), s.Targets...),
		SplitPoints: sp,
		Assignments: s.Assignments.Clone(),
	}
}

func (s *Session) ImportState(st State) {
	s.Targets = append([]Target(nil), st.Targets...)
	s.SplitPoints = map[string]struct{}{}
	for _, id := range st.SplitPoints {
		s.SplitPoints[id] = struct{}{}
	}
	if st.Assignments != nil {
		s.Assignments = st.Assignments.Clone()
	} else {
		s.Assignments = Assignments{}
	}
	// Bundles are not persisted; they come back from the next derivation,
	// and SetBundles prunes whatever no longer matches.
}

// SetTargets replaces the selected end products. Split points that now
// coincide with a target are removed (a target can never be a cut point).
func (s *Session) SetTargets(targets []Target) {
	s.Targets = append([]Target(nil), targets...)
	for _, t := range s.Targets {
		delete(s.SplitPoints, t.ItemID)
	}
}

func (s *Session) IsTarget(itemID string) bool {
	for _, t := range s.Targets {
		if t.ItemID == itemID {
			return true
		}
	}
	return false
}

// ToggleSplitPoint flips split-point membership for a craftable item.
// Raw items and currently selected targets are silently rejected (the
// caller's eligibility checks should have filtered them already).
//
// A successful toggle invalidates every prior placement, so the assignment
// table is cleared; the caller must follow up with a re-derivation.
func (s *Session) ToggleSplitPoint(item catalog.Item) bool {
	if item.IsRaw || s.IsTarget(item.ID) {
		return false
	}
	if _, ok := s.SplitPoints[item.ID]; ok {
		delete(s.SplitPoints, item.ID)
	} else {
		s.SplitPoints[item.ID] = struct{}{}
	}
	s.Assignments = Assignments{}
	return true
}

func (s *Session) SplitPointIDs() []string {
	out := make([]string, 0, len(s.SplitPoints))
	for id := range s.SplitPoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetBundles installs a freshly derived bundle list and, before anything
// else can observe the session, prunes assignment entries whose bundle id
// vanished. Returns the pruned ids.
func (s *Session) SetBundles(bundles []Bundle) []string {
	s.Bundles = append([]Bundle(nil), bundles...)
	s.byID = make(map[string]Bundle, len(bundles))
	keep := make(map[string]bool, len(bundles))
	for _, b := range s.Bundles {
		s.byID[b.ID] = b
		keep[b.ID] = true
	}
	return s.Assignments.Prune(keep)
}

func (s *Session) Bundle(id string) (Bundle, bool) {
	b, ok := s.byID[id]
	return b, ok
}

// AssignedLines is the bundle's total assigned line count across all sites.
func (s *Session) AssignedLines(bundleID string) int {
	return s.Assignments.AssignedLines(bundleID)
}

// UnassignedLines is TotalLines minus AssignedLines. It can go negative
// when manual assignment over-allocated; callers treating this as "what is
// left to place" should clamp at zero, while occupancy queries keep
// reporting the true usage.
func (s *Session) UnassignedLines(bundleID string) int {
	b, ok := s.byID[bundleID]
	if !ok {
		return 0
	}
	return b.TotalLines - s.AssignedLines(bundleID)
}

// SiteUsedPorts is the port occupancy of one site: assigned lines times the
// owning bundle's per-line cost, summed over all bundles. Deliberately
// unclamped; it exceeds the site capacity after manual over-assignment.
func (s *Session) SiteUsedPorts(siteID string) int {
	total := 0
	for _, b := range s.Bundles {
		if n := s.Assignments[b.ID][siteID]; n > 0 {
			total += n * b.PortsPerLine
		}
	}
	return total
}

// SiteUnit is one bundle's presence on one site.
type SiteUnit struct {
	Bundle Bundle `json:"unit"`
	Lines  int    `json:"assigned_count"`
	Ports  int    `json:"assigned_ports"`
}

// SiteUnits lists the bundles placed on a site, in bundle order.
func (s *Session) SiteUnits(siteID string) []SiteUnit {
	var out []SiteUnit
	for _, b := range s.Bundles {
		n := s.Assignments[b.ID][siteID]
		if n <= 0 {
			continue
		}
		out = append(out, SiteUnit{Bundle: b, Lines: n, Ports: n * b.PortsPerLine})
	}
	return out
}

// UnassignedUnit is a bundle with lines still waiting for a site.
type UnassignedUnit struct {
	Bundle    Bundle `json:"unit"`
	Remaining int    `json:"remaining"`
}

// UnassignedUnits lists bundles with strictly positive remaining lines, in
// bundle order. Over-allocated bundles (negative remainder) do not appear.
func (s *Session) UnassignedUnits() []UnassignedUnit {
	var out []UnassignedUnit
	for _, b := range s.Bundles {
		if rem := b.TotalLines - s.AssignedLines(b.ID); rem > 0 {
			out = append(out, UnassignedUnit{Bundle: b, Remaining: rem})
		}
	}
	return out
}
