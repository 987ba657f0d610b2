// Package derive computes the production dependency tree for a set of
// target items and cuts it into allocatable bundles at the chosen split
// points. The planning core consumes only the resulting bundles; nodes,
// edges and the per-item summary exist for display.
package derive

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"fabplan.dev/internal/catalog"
	"fabplan.dev/internal/plan"
)

// Node is one tree node. Depth and Track are layout hints only; allocation
// never reads them.
type Node struct {
	ID           int     `json:"id"`
	ItemID       string  `json:"item_id"`
	Name         string  `json:"name"`
	Rate         float64 `json:"rate"`
	Lines        int     `json:"lines"`
	IsRaw        bool    `json:"is_raw"`
	Machine      string  `json:"machine,omitempty"`
	IsSplitPoint bool    `json:"is_split_point,omitempty"`
	BundleID     string  `json:"bundle_id"`
	Depth        int     `json:"depth"`
	Track        int     `json:"track"`
}

type Edge struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Label string `json:"label"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// SummaryRow aggregates one item across the whole tree.
type SummaryRow struct {
	ItemID       string  `json:"item_id"`
	Name         string  `json:"name"`
	Rate         float64 `json:"rate"`
	Lines        int     `json:"lines"`
	ActualRate   float64 `json:"actual_rate"`
	Surplus      float64 `json:"surplus"`
	Machine      string  `json:"machine,omitempty"`
	IsRaw        bool    `json:"is_raw"`
	BaseRate     float64 `json:"base_rate"`
	IsSplitPoint bool    `json:"is_split_point,omitempty"`
}

type Result struct {
	Tree    Tree          `json:"tree"`
	Bundles []plan.Bundle `json:"bundles"`
	Summary []SummaryRow  `json:"summary"`
}

// Deriver walks the recipe catalog. Stateless between calls; safe to share
// as long as the catalogs are not swapped underneath it.
type Deriver struct {
	cats *catalog.Catalogs
	// rawSupplyRate is the delivery rate of one raw-material supply line,
	// items per minute.
	rawSupplyRate float64
}

func New(cats *catalog.Catalogs, rawSupplyRate float64) *Deriver {
	if rawSupplyRate <= 0 {
		rawSupplyRate = 30
	}
	return &Deriver{cats: cats, rawSupplyRate: rawSupplyRate}
}

// baseRate is a recipe's output in items per minute at one line.
func (d *Deriver) baseRate(r catalog.Recipe) float64 {
	if r.CraftTime <= 0 {
		return 0
	}
	return float64(r.ResultCount) / r.CraftTime * 60
}

func formatRate(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

// bundleAcc accumulates per-bundle membership during traversal.
type bundleAcc struct {
	items    map[string]bool
	consumes map[string]bool
	rates    map[string]float64
}

// Derive builds the full tree and bundle set for the given targets and
// split points. Output is deterministic: node ids follow traversal order,
// bundles follow first-appearance order.
func (d *Deriver) Derive(targets []plan.Target, splitPoints map[string]struct{}) (Result, error) {
	var res Result

	accs := map[string]*bundleAcc{}
	var accOrder []string
	acc := func(bundleID string) *bundleAcc {
		a, ok := accs[bundleID]
		if !ok {
			a = &bundleAcc{items: map[string]bool{}, consumes: map[string]bool{}, rates: map[string]float64{}}
			accs[bundleID] = a
			accOrder = append(accOrder, bundleID)
		}
		return a
	}

	summary := map[string]*SummaryRow{}
	var summaryOrder []string
	nextNode := 0
	trackAtDepth := map[int]int{}

	var traverse func(itemID string, rate float64, parent int, bundleID string, depth int)
	traverse = func(itemID string, rate float64, parent int, bundleID string, depth int) {
		item, ok := d.cats.Items.Defs[itemID]
		if !ok {
			return
		}

		_, isSplit := splitPoints[itemID]
		currentBundle := bundleID
		if isSplit {
			// A split point's production belongs to its own bundle, not the
			// consumer's; that is the cut.
			currentBundle = "split_" + itemID
		}

		nextNode++
		nodeID := nextNode

		recipe, hasRecipe := d.cats.Recipes.RecipeFor(itemID)
		isRaw := item.IsRaw || !hasRecipe

		machineName := ""
		if hasRecipe && recipe.Machine != "" {
			machineName = recipe.Machine
			if m, ok := d.cats.Machines.Defs[recipe.Machine]; ok {
				machineName = m.Name
			}
		}

		var base float64
		lines := 0
		if isRaw {
			base = d.rawSupplyRate
			lines = int(math.Ceil(rate / base))
		} else if recipe.CraftTime > 0 {
			base = d.baseRate(recipe)
			if base > 0 {
				lines = int(math.Ceil(rate / base))
			}
		}

		track := trackAtDepth[depth]
		trackAtDepth[depth] = track + 1

		res.Tree.Nodes = append(res.Tree.Nodes, Node{
			ID:           nodeID,
			ItemID:       itemID,
			Name:         item.Name,
			Rate:         rate,
			Lines:        lines,
			IsRaw:        isRaw,
			Machine:      machineName,
			IsSplitPoint: isSplit,
			BundleID:     currentBundle,
			Depth:        depth,
			Track:        track,
		})
		if parent != 0 {
			res.Tree.Edges = append(res.Tree.Edges, Edge{
				From:  nodeID,
				To:    parent,
				Label: formatRate(rate) + "/min",
			})
		}

		row, ok := summary[itemID]
		if !ok {
			row = &SummaryRow{
				ItemID:       itemID,
				Name:         item.Name,
				Machine:      machineName,
				IsRaw:        isRaw,
				BaseRate:     base,
				IsSplitPoint: isSplit,
			}
			summary[itemID] = row
			summaryOrder = append(summaryOrder, itemID)
		}
		row.Rate += rate
		if row.BaseRate > 0 {
			row.Lines = int(math.Ceil(row.Rate / row.BaseRate))
			row.ActualRate = float64(row.Lines) * row.BaseRate
			row.Surplus = row.ActualRate - row.Rate
		}

		a := acc(currentBundle)
		a.items[itemID] = true
		a.rates[itemID] += rate
		if isSplit {
			// The consumer bundle gains a boundary port.
			acc(bundleID).consumes[itemID] = true
		}

		if isRaw {
			return
		}
		for _, ing := range recipe.Ingredients {
			ingRate := float64(ing.Count) * rate / float64(recipe.ResultCount)
			traverse(ing.ItemID, ingRate, nodeID, currentBundle, depth+1)
		}
	}

	for _, t := range targets {
		item, ok := d.cats.Items.Defs[t.ItemID]
		if !ok {
			return res, fmt.Errorf("unknown target item %q", t.ItemID)
		}
		recipe, ok := d.cats.Recipes.RecipeFor(t.ItemID)
		if !ok {
			return res, fmt.Errorf("target item %q has no recipe", item.ID)
		}
		lines := t.Lines
		if lines < 1 {
			lines = 1
		}
		rate := d.baseRate(recipe) * float64(lines)
		traverse(t.ItemID, rate, 0, "target_"+t.ItemID, 0)
	}

	for _, id := range summaryOrder {
		res.Summary = append(res.Summary, *summary[id])
	}

	res.Bundles = d.buildBundles(accs, accOrder, summary, splitPoints, targets)
	return res, nil
}

// buildBundles turns traversal accumulators into the allocatable bundle
// list. Bundles with identical item sets are merged: the same subtree cut
// reached from two consumers is one physical layout, built once.
func (d *Deriver) buildBundles(
	accs map[string]*bundleAcc,
	accOrder []string,
	summary map[string]*SummaryRow,
	splitPoints map[string]struct{},
	targets []plan.Target,
) []plan.Bundle {
	targetIDs := map[string]bool{}
	for _, t := range targets {
		targetIDs[t.ItemID] = true
	}

	type group struct {
		bundleIDs []string
		items     map[string]bool
		consumes  map[string]bool
		rates     map[string]float64
	}
	groups := map[string]*group{}
	var groupOrder []string
	for _, bundleID := range accOrder {
		a := accs[bundleID]
		ids := make([]string, 0, len(a.items))
		for id := range a.items {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		key := strings.Join(ids, "\x00")

		g, ok := groups[key]
		if !ok {
			g = &group{items: map[string]bool{}, consumes: map[string]bool{}, rates: map[string]float64{}}
			for id := range a.items {
				g.items[id] = true
			}
			groups[key] = g
			groupOrder = append(groupOrder, key)
		}
		g.bundleIDs = append(g.bundleIDs, bundleID)
		for id := range a.consumes {
			g.consumes[id] = true
		}
		for id, rate := range a.rates {
			g.rates[id] += rate
		}
	}

	var bundles []plan.Bundle
	for i, key := range groupOrder {
		g := groups[key]

		// Name the bundle after what it is for: the target items it feeds,
		// or the split boundary it ends at.
		var targetNames, splitNames []string
		for _, bid := range g.bundleIDs {
			if id, ok := strings.CutPrefix(bid, "target_"); ok && targetIDs[id] {
				if item, ok := d.cats.Items.Defs[id]; ok {
					targetNames = append(targetNames, item.Name)
				}
			} else if id, ok := strings.CutPrefix(bid, "split_"); ok {
				if _, isSplit := splitPoints[id]; isSplit {
					if item, ok := d.cats.Items.Defs[id]; ok {
						splitNames = append(splitNames, item.Name)
					}
				}
			}
		}
		name := fmt.Sprintf("Bundle %d", i+1)
		switch {
		case len(targetNames) > 0:
			name += ": " + strings.Join(targetNames, ", ")
		case len(splitNames) > 0:
			name += ": up to " + strings.Join(splitNames, ", ")
		}

		itemIDs := make([]string, 0, len(g.items))
		for id := range g.items {
			itemIDs = append(itemIDs, id)
		}
		sort.Strings(itemIDs)

		machines := map[string]int{}
		var ports []plan.Port
		portCount := 0
		totalLines := 0
		for _, itemID := range itemIDs {
			row, ok := summary[itemID]
			if !ok {
				continue
			}
			lines := 0
			if row.BaseRate > 0 {
				// Lines from this bundle's own rate share, not the global
				// aggregate: two bundles producing the same item each get
				// their own machine count.
				lines = int(math.Ceil(g.rates[itemID] / row.BaseRate))
			}
			if row.IsRaw {
				if lines > 0 {
					ports = append(ports, plan.Port{
						ItemID: itemID,
						Name:   row.Name,
						Count:  lines,
						Type:   plan.PortRaw,
					})
					portCount += lines
				}
			} else if row.Machine != "" && lines > 0 {
				machines[row.Machine] += lines
				totalLines += lines
			}
		}

		consumed := make([]string, 0, len(g.consumes))
		for id := range g.consumes {
			consumed = append(consumed, id)
		}
		sort.Strings(consumed)
		for _, splitID := range consumed {
			row, ok := summary[splitID]
			if !ok {
				continue
			}
			ports = append(ports, plan.Port{
				ItemID: splitID,
				Name:   row.Name,
				Count:  row.Lines,
				Type:   plan.PortSplit,
			})
			portCount += row.Lines
		}

		portsPerLine := 1
		if totalLines > 0 {
			portsPerLine = (portCount + totalLines - 1) / totalLines
		} else {
			portsPerLine = portCount
		}
		if portsPerLine < 1 {
			portsPerLine = 1
		}

		bundles = append(bundles, plan.Bundle{
			ID:           g.bundleIDs[0],
			Name:         name,
			Machines:     machines,
			Ports:        ports,
			PortsPerLine: portsPerLine,
			TotalLines:   totalLines,
			ItemIDs:      itemIDs,
		})
	}
	return bundles
}
