package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type Catalogs struct {
	Items    ItemCatalog
	Recipes  RecipeCatalog
	Machines MachineCatalog
	Sites    SiteCatalog
}

type ItemCatalog struct {
	Defs   map[string]Item
	IDs    []string
	Digest string
}

type Item struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	IsRaw bool   `json:"is_raw,omitempty"`
}

type RecipeCatalog struct {
	ByID map[string]Recipe
	// ByResult maps the produced item id to its recipe. One recipe per
	// result item; later definitions win.
	ByResult map[string]Recipe
	Digest   string
}

type Recipe struct {
	ID          string       `json:"id"`
	Result      string       `json:"result"`
	ResultCount int          `json:"result_count"`
	Ingredients []Ingredient `json:"ingredients"`
	CraftTime   float64      `json:"craft_time"` // seconds per craft
	Machine     string       `json:"machine,omitempty"`
}

type Ingredient struct {
	ItemID string `json:"item_id"`
	Count  int    `json:"count"`
}

type MachineCatalog struct {
	Defs   map[string]Machine
	Digest string
}

type Machine struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// SiteCatalog is the registry of construction sites. The set is fixed for
// the lifetime of the process; iteration order (Order) is the allocation
// engine's deterministic tie-break order.
type SiteCatalog struct {
	Defs   map[string]Site
	Order  []string
	Digest string
}

type Site struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PortCapacity int    `json:"port_capacity"`
	Config       string `json:"config,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadItems(filepath.Join(configDir, "items.json"), &c.Items); err != nil {
		return nil, err
	}
	if err := loadRecipes(filepath.Join(configDir, "recipes.json"), &c.Recipes); err != nil {
		return nil, err
	}
	if err := loadMachines(filepath.Join(configDir, "machines.json"), &c.Machines); err != nil {
		return nil, err
	}
	if err := loadSites(filepath.Join(configDir, "sites.json"), &c.Sites); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadItems(path string, out *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []Item
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("items.json: %w", err)
	}
	out.Defs = map[string]Item{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("items.json: empty id")
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.IDs = ids
	return nil
}

func loadRecipes(path string, out *RecipeCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []Recipe
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("recipes.json: %w", err)
	}
	out.ByID = map[string]Recipe{}
	out.ByResult = map[string]Recipe{}
	for _, r := range defs {
		if r.ID == "" {
			return fmt.Errorf("recipes.json: empty id")
		}
		if r.Result == "" {
			return fmt.Errorf("recipes.json: recipe %s: empty result", r.ID)
		}
		if r.ResultCount <= 0 {
			r.ResultCount = 1
		}
		out.ByID[r.ID] = r
		out.ByResult[r.Result] = r
	}
	return nil
}

func loadMachines(path string, out *MachineCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Machines are display metadata; allow running without them.
		if os.IsNotExist(err) {
			out.Defs = map[string]Machine{}
			out.Digest = sha256Hex(nil)
			return nil
		}
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []Machine
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("machines.json: %w", err)
	}
	out.Defs = map[string]Machine{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("machines.json: empty id")
		}
		out.Defs[d.ID] = d
	}
	return nil
}

func loadSites(path string, out *SiteCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []Site
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("sites.json: %w", err)
	}
	out.Defs = map[string]Site{}
	out.Order = make([]string, 0, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("sites.json: empty id")
		}
		if d.PortCapacity <= 0 {
			return fmt.Errorf("sites.json: site %s: port_capacity must be positive", d.ID)
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("sites.json: duplicate id %s", d.ID)
		}
		out.Defs[d.ID] = d
		out.Order = append(out.Order, d.ID)
	}
	return nil
}

// SitesInOrder returns the site definitions in registry order.
func (c *SiteCatalog) SitesInOrder() []Site {
	out := make([]Site, 0, len(c.Order))
	for _, id := range c.Order {
		out = append(out, c.Defs[id])
	}
	return out
}

// RecipeFor returns the recipe producing the given item, if any.
func (c *RecipeCatalog) RecipeFor(itemID string) (Recipe, bool) {
	r, ok := c.ByResult[itemID]
	return r, ok
}
