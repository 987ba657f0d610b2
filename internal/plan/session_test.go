package plan

import (
	"reflect"
	"testing"

	"fabplan.dev/internal/catalog"
)

func TestToggleSplitPoint_Eligibility(t *testing.T) {
	s := NewSession("S1")
	s.SetTargets([]Target{{ItemID: "drone", Lines: 1}})

	if s.ToggleSplitPoint(catalog.Item{ID: "iron_ore", IsRaw: true}) {
		t.Fatalf("raw item toggled")
	}
	if s.ToggleSplitPoint(catalog.Item{ID: "drone"}) {
		t.Fatalf("target item toggled")
	}
	if len(s.SplitPoints) != 0 {
		t.Fatalf("split points changed: %v", s.SplitPointIDs())
	}

	if !s.ToggleSplitPoint(catalog.Item{ID: "motor"}) {
		t.Fatalf("eligible item rejected")
	}
	if _, ok := s.SplitPoints["motor"]; !ok {
		t.Fatalf("motor not a split point")
	}
	// Second toggle removes it again.
	if !s.ToggleSplitPoint(catalog.Item{ID: "motor"}) {
		t.Fatalf("toggle off rejected")
	}
	if len(s.SplitPoints) != 0 {
		t.Fatalf("motor still a split point")
	}
}

func TestToggleSplitPoint_ClearsAssignments(t *testing.T) {
	s := NewSession("S1")
	s.SetBundles([]Bundle{{ID: "target_drone", PortsPerLine: 1, TotalLines: 2}})
	s.Assignments.AssignUnchecked("target_drone", "site_a", 2)

	if !s.ToggleSplitPoint(catalog.Item{ID: "motor"}) {
		t.Fatalf("toggle rejected")
	}
	if len(s.Assignments) != 0 {
		t.Fatalf("assignments survived toggle: %v", s.Assignments)
	}
}

func TestSetTargets_DropsCollidingSplitPoints(t *testing.T) {
	s := NewSession("S1")
	if !s.ToggleSplitPoint(catalog.Item{ID: "motor"}) {
		t.Fatalf("toggle rejected")
	}
	s.SetTargets([]Target{{ItemID: "motor", Lines: 2}})
	if len(s.SplitPoints) != 0 {
		t.Fatalf("target still a split point: %v", s.SplitPointIDs())
	}
}

func TestSetBundles_PrunesStaleAssignments(t *testing.T) {
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_drone", PortsPerLine: 1, TotalLines: 1},
		{ID: "split_motor", PortsPerLine: 1, TotalLines: 1},
	})
	s.Assignments.AssignUnchecked("target_drone", "site_a", 1)
	s.Assignments.AssignUnchecked("split_motor", "site_b", 1)

	dropped := s.SetBundles([]Bundle{
		{ID: "target_drone", PortsPerLine: 1, TotalLines: 1},
	})
	if !reflect.DeepEqual(dropped, []string{"split_motor"}) {
		t.Fatalf("dropped = %v", dropped)
	}
	if _, ok := s.Assignments["split_motor"]; ok {
		t.Fatalf("stale assignment survived")
	}
	if got := s.Assignments["target_drone"]["site_a"]; got != 1 {
		t.Fatalf("surviving assignment lost: %v", s.Assignments)
	}

	// Same list again prunes nothing.
	if dropped := s.SetBundles(s.Bundles); len(dropped) != 0 {
		t.Fatalf("second prune dropped %v", dropped)
	}
}

func TestOccupancyQueries(t *testing.T) {
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_a", PortsPerLine: 13, TotalLines: 4},
		{ID: "split_b", PortsPerLine: 2, TotalLines: 3},
	})
	s.Assignments.AssignUnchecked("target_a", "site_hub", 3)
	s.Assignments.AssignUnchecked("split_b", "site_hub", 1)

	if got := s.SiteUsedPorts("site_hub"); got != 41 {
		t.Fatalf("SiteUsedPorts = %d, want 41", got)
	}
	units := s.SiteUnits("site_hub")
	if len(units) != 2 {
		t.Fatalf("SiteUnits = %v", units)
	}
	if units[0].Bundle.ID != "target_a" || units[0].Lines != 3 || units[0].Ports != 39 {
		t.Fatalf("units[0] = %+v", units[0])
	}

	un := s.UnassignedUnits()
	if len(un) != 2 {
		t.Fatalf("UnassignedUnits = %v", un)
	}
	if un[0].Bundle.ID != "target_a" || un[0].Remaining != 1 {
		t.Fatalf("un[0] = %+v", un[0])
	}
	if un[1].Bundle.ID != "split_b" || un[1].Remaining != 2 {
		t.Fatalf("un[1] = %+v", un[1])
	}
}

func TestOccupancyQueries_ManualOverAssignment(t *testing.T) {
	// Manual assignment is deliberately unchecked: occupancy reports the
	// real overflow and fully over-assigned bundles leave the backlog.
	s := NewSession("S1")
	s.SetBundles([]Bundle{{ID: "target_a", PortsPerLine: 13, TotalLines: 4}})
	s.Assignments.AssignUnchecked("target_a", "site_north", 6)

	if got := s.SiteUsedPorts("site_north"); got != 78 {
		t.Fatalf("SiteUsedPorts = %d, want 78", got)
	}
	if got := s.UnassignedLines("target_a"); got != -2 {
		t.Fatalf("UnassignedLines = %d, want -2", got)
	}
	if un := s.UnassignedUnits(); len(un) != 0 {
		t.Fatalf("over-assigned bundle still in backlog: %v", un)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := NewSession("S1")
	s.SetTargets([]Target{{ItemID: "drone", Lines: 2}, {ItemID: "core", Lines: 1}})
	s.ToggleSplitPoint(catalog.Item{ID: "motor"})
	s.ToggleSplitPoint(catalog.Item{ID: "circuit"})
	s.SetBundles([]Bundle{{ID: "target_drone", PortsPerLine: 1, TotalLines: 2}})
	s.Assignments.AssignUnchecked("target_drone", "site_a", 2)

	st := s.ExportState()

	restored := NewSession("S1")
	restored.ImportState(st)

	if !reflect.DeepEqual(restored.Targets, s.Targets) {
		t.Fatalf("targets: %v != %v", restored.Targets, s.Targets)
	}
	if !reflect.DeepEqual(restored.SplitPointIDs(), s.SplitPointIDs()) {
		t.Fatalf("split points: %v != %v", restored.SplitPointIDs(), s.SplitPointIDs())
	}
	if !reflect.DeepEqual(restored.Assignments, s.Assignments) {
		t.Fatalf("assignments: %v != %v", restored.Assignments, s.Assignments)
	}

	// The export is a copy, not a view.
	st.Assignments.AssignUnchecked("target_drone", "site_b", 1)
	if _, ok := s.Assignments["target_drone"]["site_b"]; ok {
		t.Fatalf("export aliased live table")
	}
}
