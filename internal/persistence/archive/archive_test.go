package archive

import (
	"path/filepath"
	"testing"

	"fabplan.dev/internal/plan"
)

func TestArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archives", "20260829T120000.plan.zst")

	st := plan.State{
		Targets:     []plan.Target{{ItemID: "motor", Lines: 2}},
		SplitPoints: []string{"gear"},
		Assignments: plan.Assignments{"target_motor": {"site_hub": 2}},
	}
	in := ArchiveV1{
		Header: Header{Version: 1, RecordedAt: "2026-08-29T12:00:00Z", Sessions: 2},
		CatalogDigests: map[string]string{
			"items": "deadbeef",
			"sites": "cafef00d",
		},
		Sessions: []SessionV1{
			SessionFromRecord("P1", "tok-1", st, "2026-08-29T11:59:59Z"),
			SessionFromRecord("P2", "tok-2", plan.State{}, "2026-08-29T11:58:00Z"),
		},
	}

	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if out.Header != in.Header {
		t.Fatalf("header: %+v != %+v", out.Header, in.Header)
	}
	if out.CatalogDigests["items"] != "deadbeef" {
		t.Fatalf("digests: %v", out.CatalogDigests)
	}
	if len(out.Sessions) != 2 || out.Sessions[0] != in.Sessions[0] || out.Sessions[1] != in.Sessions[1] {
		t.Fatalf("sessions: %+v", out.Sessions)
	}
}

func TestRead_MissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope.plan.zst")); err == nil {
		t.Fatalf("expected error for missing archive")
	}
}
