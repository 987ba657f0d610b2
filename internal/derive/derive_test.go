package derive

import (
	"reflect"
	"testing"

	"fabplan.dev/internal/catalog"
	"fabplan.dev/internal/plan"
)

// Chain: iron_ore (raw) -> iron_ingot -> gear -> {motor, pump}.
// Base rates at one line: ingot 30/min, gear 30/min, motor 15/min, pump 15/min.
func testCatalogs() *catalog.Catalogs {
	return &catalog.Catalogs{
		Items: catalog.ItemCatalog{Defs: map[string]catalog.Item{
			"iron_ore":   {ID: "iron_ore", Name: "Iron Ore", IsRaw: true},
			"iron_ingot": {ID: "iron_ingot", Name: "Iron Ingot"},
			"gear":       {ID: "gear", Name: "Gear"},
			"motor":      {ID: "motor", Name: "Motor"},
			"pump":       {ID: "pump", Name: "Pump"},
		}},
		Recipes: catalog.RecipeCatalog{ByResult: map[string]catalog.Recipe{
			"iron_ingot": {
				ID: "r_ingot", Result: "iron_ingot", ResultCount: 1, CraftTime: 2,
				Machine:     "smelter",
				Ingredients: []catalog.Ingredient{{ItemID: "iron_ore", Count: 1}},
			},
			"gear": {
				ID: "r_gear", Result: "gear", ResultCount: 1, CraftTime: 2,
				Machine:     "assembler",
				Ingredients: []catalog.Ingredient{{ItemID: "iron_ingot", Count: 1}},
			},
			"motor": {
				ID: "r_motor", Result: "motor", ResultCount: 1, CraftTime: 4,
				Machine:     "assembler",
				Ingredients: []catalog.Ingredient{{ItemID: "gear", Count: 2}},
			},
			"pump": {
				ID: "r_pump", Result: "pump", ResultCount: 1, CraftTime: 4,
				Machine:     "assembler",
				Ingredients: []catalog.Ingredient{{ItemID: "gear", Count: 2}},
			},
		}},
		Machines: catalog.MachineCatalog{Defs: map[string]catalog.Machine{
			"smelter":   {ID: "smelter", Name: "Smelter"},
			"assembler": {ID: "assembler", Name: "Assembler"},
		}},
	}
}

func findRow(t *testing.T, rows []SummaryRow, itemID string) SummaryRow {
	t.Helper()
	for _, r := range rows {
		if r.ItemID == itemID {
			return r
		}
	}
	t.Fatalf("summary row %q missing", itemID)
	return SummaryRow{}
}

func TestDerive_SingleTarget(t *testing.T) {
	d := New(testCatalogs(), 30)
	res, err := d.Derive([]plan.Target{{ItemID: "motor", Lines: 1}}, nil)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	if len(res.Tree.Nodes) != 4 || len(res.Tree.Edges) != 3 {
		t.Fatalf("tree size: %d nodes, %d edges", len(res.Tree.Nodes), len(res.Tree.Edges))
	}

	motor := findRow(t, res.Summary, "motor")
	if motor.Rate != 15 || motor.Lines != 1 || motor.BaseRate != 15 {
		t.Fatalf("motor row: %+v", motor)
	}
	gear := findRow(t, res.Summary, "gear")
	if gear.Rate != 30 || gear.Lines != 1 {
		t.Fatalf("gear row: %+v", gear)
	}
	ore := findRow(t, res.Summary, "iron_ore")
	if !ore.IsRaw || ore.Lines != 1 || ore.BaseRate != 30 {
		t.Fatalf("ore row: %+v", ore)
	}

	if len(res.Bundles) != 1 {
		t.Fatalf("bundles: %v", res.Bundles)
	}
	b := res.Bundles[0]
	if b.ID != "target_motor" {
		t.Fatalf("bundle id = %q", b.ID)
	}
	if b.TotalLines != 3 {
		t.Fatalf("TotalLines = %d, want 3", b.TotalLines)
	}
	if b.PortsPerLine != 1 {
		t.Fatalf("PortsPerLine = %d, want 1", b.PortsPerLine)
	}
	if len(b.Ports) != 1 || b.Ports[0].ItemID != "iron_ore" || b.Ports[0].Type != plan.PortRaw || b.Ports[0].Count != 1 {
		t.Fatalf("ports: %+v", b.Ports)
	}
	if b.Machines["Assembler"] != 2 || b.Machines["Smelter"] != 1 {
		t.Fatalf("machines: %v", b.Machines)
	}
}

func TestDerive_SplitPointCutsBundle(t *testing.T) {
	d := New(testCatalogs(), 30)
	res, err := d.Derive(
		[]plan.Target{{ItemID: "motor", Lines: 1}},
		map[string]struct{}{"gear": {}},
	)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	if len(res.Bundles) != 2 {
		t.Fatalf("bundles: %v", res.Bundles)
	}
	top, bottom := res.Bundles[0], res.Bundles[1]
	if top.ID != "target_motor" || bottom.ID != "split_gear" {
		t.Fatalf("bundle ids: %q, %q", top.ID, bottom.ID)
	}

	// The consumer gains a boundary port sized by the split item's line count.
	if len(top.Ports) != 1 || top.Ports[0].Type != plan.PortSplit || top.Ports[0].ItemID != "gear" || top.Ports[0].Count != 1 {
		t.Fatalf("top ports: %+v", top.Ports)
	}
	if top.TotalLines != 1 {
		t.Fatalf("top TotalLines = %d", top.TotalLines)
	}

	// The split bundle keeps the subtree and its raw supply.
	if !reflect.DeepEqual(bottom.ItemIDs, []string{"gear", "iron_ingot", "iron_ore"}) {
		t.Fatalf("bottom items: %v", bottom.ItemIDs)
	}
	if bottom.TotalLines != 2 {
		t.Fatalf("bottom TotalLines = %d", bottom.TotalLines)
	}
	if len(bottom.Ports) != 1 || bottom.Ports[0].Type != plan.PortRaw {
		t.Fatalf("bottom ports: %+v", bottom.Ports)
	}
}

func TestDerive_SharedSplitFeedsBothConsumers(t *testing.T) {
	// Two targets draw from the same split bundle: demand accumulates there
	// and both consumers see the boundary port at its full line count.
	d := New(testCatalogs(), 30)
	res, err := d.Derive(
		[]plan.Target{{ItemID: "motor", Lines: 1}, {ItemID: "pump", Lines: 1}},
		map[string]struct{}{"gear": {}},
	)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	gear := findRow(t, res.Summary, "gear")
	if gear.Rate != 60 || gear.Lines != 2 {
		t.Fatalf("gear row: %+v", gear)
	}

	if len(res.Bundles) != 3 {
		t.Fatalf("bundles: %v", res.Bundles)
	}
	var split plan.Bundle
	for _, b := range res.Bundles {
		switch b.ID {
		case "split_gear":
			split = b
		case "target_motor", "target_pump":
			if len(b.Ports) != 1 || b.Ports[0].Count != 2 || b.Ports[0].Type != plan.PortSplit {
				t.Fatalf("%s ports: %+v", b.ID, b.Ports)
			}
		default:
			t.Fatalf("unexpected bundle %q", b.ID)
		}
	}
	// gear 2 lines + ingot 2 lines; ore 60/min -> 2 supply ports.
	if split.TotalLines != 4 {
		t.Fatalf("split TotalLines = %d", split.TotalLines)
	}
	if len(split.Ports) != 1 || split.Ports[0].Count != 2 {
		t.Fatalf("split ports: %+v", split.Ports)
	}
}

func TestDerive_TargetValidation(t *testing.T) {
	d := New(testCatalogs(), 30)
	if _, err := d.Derive([]plan.Target{{ItemID: "nope", Lines: 1}}, nil); err == nil {
		t.Fatalf("unknown item accepted")
	}
	if _, err := d.Derive([]plan.Target{{ItemID: "iron_ore", Lines: 1}}, nil); err == nil {
		t.Fatalf("recipeless item accepted")
	}
}

func TestDerive_Deterministic(t *testing.T) {
	d := New(testCatalogs(), 30)
	targets := []plan.Target{{ItemID: "motor", Lines: 2}, {ItemID: "pump", Lines: 1}}
	splits := map[string]struct{}{"gear": {}, "iron_ingot": {}}

	first, err := d.Derive(targets, splits)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := d.Derive(targets, splits)
		if err != nil {
			t.Fatalf("Derive: %v", err)
		}
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged", i)
		}
	}
}
