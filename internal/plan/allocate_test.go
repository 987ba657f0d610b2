package plan

import (
	"reflect"
	"testing"

	"fabplan.dev/internal/catalog"
)

func testSites(caps ...int) []catalog.Site {
	names := []string{"site_a", "site_b", "site_c", "site_d"}
	out := make([]catalog.Site, 0, len(caps))
	for i, c := range caps {
		out = append(out, catalog.Site{ID: names[i], Name: names[i], PortCapacity: c})
	}
	return out
}

func TestAutoAllocate_BestFitDecreasing(t *testing.T) {
	// One bundle of 4 lines at 13 ports each against sites of 52 and 19:
	// the first line lands on the tighter 19-port site (remaining 6 beats
	// remaining 39), the rest fill the 52-port site.
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_x", PortsPerLine: 13, TotalLines: 4},
	})

	out := s.AutoAllocate(testSites(52, 19))
	if out.UnassignedLines != 0 || out.UnassignedPorts != 0 {
		t.Fatalf("unexpected leftovers: %+v", out)
	}
	if got := s.Assignments["target_x"]["site_b"]; got != 1 {
		t.Fatalf("site_b lines = %d, want 1", got)
	}
	if got := s.Assignments["target_x"]["site_a"]; got != 3 {
		t.Fatalf("site_a lines = %d, want 3", got)
	}
}

func TestAutoAllocate_UnplaceableLinesReported(t *testing.T) {
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_x", PortsPerLine: 60, TotalLines: 2},
		{ID: "split_y", PortsPerLine: 10, TotalLines: 1},
	})

	out := s.AutoAllocate(testSites(52, 19))
	if out.UnassignedLines != 2 {
		t.Fatalf("UnassignedLines = %d, want 2", out.UnassignedLines)
	}
	if out.UnassignedPorts != 120 {
		t.Fatalf("UnassignedPorts = %d, want 120", out.UnassignedPorts)
	}
	// The small bundle still gets placed.
	if got := s.AssignedLines("split_y"); got != 1 {
		t.Fatalf("split_y assigned = %d, want 1", got)
	}
}

func TestAutoAllocate_TieBreakFirstSiteWins(t *testing.T) {
	// Equal capacities tie on remaining-after; the earlier registry entry
	// must win every time.
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_x", PortsPerLine: 5, TotalLines: 1},
	})

	s.AutoAllocate(testSites(20, 20))
	if got := s.Assignments["target_x"]["site_a"]; got != 1 {
		t.Fatalf("expected tie to land on site_a, table=%v", s.Assignments)
	}
}

func TestAutoAllocate_LargestCostFirst(t *testing.T) {
	// A greedy smallest-first fill would strand the big line; decreasing
	// order places it while capacity is still whole.
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "split_small", PortsPerLine: 3, TotalLines: 3},
		{ID: "target_big", PortsPerLine: 10, TotalLines: 1},
	})

	out := s.AutoAllocate(testSites(10, 9))
	if out.UnassignedLines != 0 {
		t.Fatalf("unexpected leftovers: %+v", out)
	}
	if got := s.Assignments["target_big"]["site_a"]; got != 1 {
		t.Fatalf("big line not on site_a: %v", s.Assignments)
	}
	if got := s.Assignments["split_small"]["site_b"]; got != 3 {
		t.Fatalf("small lines not on site_b: %v", s.Assignments)
	}
}

func TestAutoAllocate_DiscardsManualAssignments(t *testing.T) {
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_x", PortsPerLine: 2, TotalLines: 1},
	})
	s.Assignments.AssignUnchecked("target_x", "site_b", 99)

	s.AutoAllocate(testSites(10, 10))
	if got := s.Assignments["target_x"]["site_b"]; got != 0 {
		t.Fatalf("manual assignment survived: %v", s.Assignments)
	}
	if got := s.Assignments["target_x"]["site_a"]; got != 1 {
		t.Fatalf("line not re-placed: %v", s.Assignments)
	}
}

func TestAutoAllocate_Deterministic(t *testing.T) {
	bundles := []Bundle{
		{ID: "target_a", PortsPerLine: 7, TotalLines: 3},
		{ID: "split_b", PortsPerLine: 7, TotalLines: 2},
		{ID: "split_c", PortsPerLine: 4, TotalLines: 5},
	}
	sites := testSites(30, 30, 25)

	run := func() Assignments {
		s := NewSession("S1")
		s.SetBundles(bundles)
		s.AutoAllocate(sites)
		return s.Assignments
	}

	first := run()
	for i := 0; i < 10; i++ {
		if got := run(); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged:\n got %v\nwant %v", i, got, first)
		}
	}
}

func TestAutoAllocate_NeverOverfills(t *testing.T) {
	s := NewSession("S1")
	s.SetBundles([]Bundle{
		{ID: "target_a", PortsPerLine: 6, TotalLines: 10},
	})
	sites := testSites(20, 13)

	out := s.AutoAllocate(sites)
	for _, site := range sites {
		if used := s.SiteUsedPorts(site.ID); used > site.PortCapacity {
			t.Fatalf("site %s over capacity: %d > %d", site.ID, used, site.PortCapacity)
		}
	}
	// 3 lines fit on site_a (18/20), 2 on site_b (12/13), 5 left over.
	if out.UnassignedLines != 5 || out.UnassignedPorts != 30 {
		t.Fatalf("outcome = %+v", out)
	}
}
