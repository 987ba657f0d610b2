package protocol

import (
	"fabplan.dev/internal/derive"
	"fabplan.dev/internal/plan"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	// ResumeToken reattaches to a persisted planning session.
	ResumeToken string `json:"resume_token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	ResumeToken     string         `json:"resume_token"`
	Catalogs        CatalogDigests `json:"catalogs"`
	Sites           []SiteInfo     `json:"sites"`
}

type CatalogDigests struct {
	ItemsDigest    string `json:"items_digest"`
	RecipesDigest  string `json:"recipes_digest"`
	MachinesDigest string `json:"machines_digest"`
	SitesDigest    string `json:"sites_digest"`
	TuningDigest   string `json:"tuning_digest,omitempty"`
}

type SiteInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PortCapacity int    `json:"port_capacity"`
	Config       string `json:"config,omitempty"`
}

// Command operations.
const (
	OpSetTargets   = "SET_TARGETS"
	OpToggleSplit  = "TOGGLE_SPLIT"
	OpAssign       = "ASSIGN"
	OpUnassign     = "UNASSIGN"
	OpReset        = "RESET"
	OpAutoAllocate = "AUTO_ALLOCATE"
)

// CMD (client -> server): one plan mutation. Fields beyond Op are read
// depending on the operation.
type CmdMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Op              string `json:"op"`

	Targets []plan.Target `json:"targets,omitempty"` // SET_TARGETS
	ItemID  string        `json:"item_id,omitempty"` // TOGGLE_SPLIT
	UnitID  string        `json:"unit_id,omitempty"` // ASSIGN / UNASSIGN
	SiteID  string        `json:"site_id,omitempty"` // ASSIGN / UNASSIGN
	Count   int           `json:"count,omitempty"`   // ASSIGN
}

// ACK (server -> client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`

	// AUTO_ALLOCATE advisory outcome.
	Outcome *plan.Outcome `json:"outcome,omitempty"`
}

// PLAN (server -> client): the full read-model after a mutation or a
// completed derivation. Revision increases monotonically per session.
type PlanMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Revision        uint64 `json:"revision"`

	Targets     []plan.Target       `json:"targets"`
	SplitPoints []string            `json:"split_points"`
	Tree        derive.Tree         `json:"tree"`
	Bundles     []plan.Bundle       `json:"bundles"`
	Summary     []derive.SummaryRow `json:"summary"`

	Sites      []SiteOccupancy       `json:"sites"`
	Unassigned []plan.UnassignedUnit `json:"unassigned_units"`
}

type SiteOccupancy struct {
	Site      SiteInfo        `json:"site"`
	UsedPorts int             `json:"used_ports"`
	Units     []plan.SiteUnit `json:"units"`
}
