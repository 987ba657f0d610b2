// Package plan holds the planning-session state model: the bundles cut from
// the production tree, the bundle-to-site assignment table, and the
// Best-Fit-Decreasing allocation engine that fills it.
package plan

// PortType tags what a bundle-edge port connects to.
type PortType string

const (
	// PortRaw is a warehouse output feeding a raw material into the bundle.
	PortRaw PortType = "raw"
	// PortSplit is a boundary port consuming a split-point item produced by
	// another bundle.
	PortSplit PortType = "split"
)

// Port describes one external connection of a bundle. Display metadata only;
// allocation math never reads it.
type Port struct {
	ItemID string   `json:"item_id"`
	Name   string   `json:"name"`
	Count  int      `json:"count"`
	Type   PortType `json:"type"`
}

// Bundle is an independently placeable group of production lines cut from
// the tree at a split boundary. The deriver owns its construction; within
// one planning cycle the session treats it as an immutable value.
//
// A bundle id is stable across re-derivations as long as the boundary it was
// cut at is unchanged (target_<item> / split_<item>).
type Bundle struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Machines map[string]int `json:"machines,omitempty"`
	Ports    []Port         `json:"ports,omitempty"`

	// PortsPerLine is the port cost of placing one line of this bundle on a
	// site. Always >= 1.
	PortsPerLine int `json:"ports_per_line"`
	// TotalLines is how many lines the bundle needs in total.
	TotalLines int `json:"total_lines"`

	ItemIDs []string `json:"item_ids,omitempty"`
}
