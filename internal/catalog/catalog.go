// Package catalog holds the goals a user tracks. A built-in catalog ships with
// the binary; a TOML file can override targets or add goals.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Cadence is how often a goal's target resets.
type Cadence string

const (
	Daily  Cadence = "daily"
	Weekly Cadence = "weekly"
)

// Kind distinguishes goals to reach from limits not to exceed.
type Kind string

const (
	KindTarget Kind = "target"
	KindLimit  Kind = "limit"
)

// Goal is a single tracked habit or food group.
type Goal struct {
	ID      string  `json:"id" toml:"id"`
	Name    string  `json:"name" toml:"name"`
	Target  int     `json:"target" toml:"target"`
	Cadence Cadence `json:"cadence" toml:"cadence"`
	Kind    Kind    `json:"kind" toml:"kind"`
	Unit    string  `json:"unit,omitempty" toml:"unit"`
}

// TargetSnapshot freezes a goal's meaning at archive time so later catalog
// edits do not rewrite history.
type TargetSnapshot struct {
	Target  int     `json:"target"`
	Cadence Cadence `json:"cadence"`
	Kind    Kind    `json:"kind"`
	Unit    string  `json:"unit,omitempty"`
}

// Catalog is an ordered, immutable set of goals.
type Catalog struct {
	goals []Goal
	index map[string]int
}

var defaultGoals = []Goal{
	{ID: "beans", Name: "Beans", Target: 3, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "berries", Name: "Berries", Target: 1, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "fruits", Name: "Other Fruits", Target: 3, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "cruciferous", Name: "Cruciferous Vegetables", Target: 1, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "greens", Name: "Greens", Target: 2, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "vegetables", Name: "Other Vegetables", Target: 2, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "flaxseeds", Name: "Flaxseeds", Target: 1, Cadence: Daily, Kind: KindTarget, Unit: "tbsp"},
	{ID: "nuts", Name: "Nuts and Seeds", Target: 1, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "spices", Name: "Herbs and Spices", Target: 1, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "grains", Name: "Whole Grains", Target: 3, Cadence: Daily, Kind: KindTarget, Unit: "servings"},
	{ID: "beverages", Name: "Beverages", Target: 5, Cadence: Daily, Kind: KindTarget, Unit: "glasses"},
	{ID: "exercise", Name: "Exercise", Target: 1, Cadence: Daily, Kind: KindTarget, Unit: "sessions"},
	{ID: "fish", Name: "Fish", Target: 2, Cadence: Weekly, Kind: KindTarget, Unit: "servings"},
	{ID: "wine", Name: "Wine", Target: 3, Cadence: Weekly, Kind: KindLimit, Unit: "glasses"},
	{ID: "sweets", Name: "Sweets", Target: 2, Cadence: Weekly, Kind: KindLimit, Unit: "servings"},
	{ID: "processed", Name: "Processed Meat", Target: 0, Cadence: Weekly, Kind: KindLimit, Unit: "servings"},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, _ := New(defaultGoals)
	return c
}

// New builds a catalog, rejecting duplicate or empty ids and invalid fields.
func New(goals []Goal) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(goals))}
	for _, g := range goals {
		if err := g.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[g.ID]; dup {
			return nil, fmt.Errorf("duplicate goal %q", g.ID)
		}
		c.index[g.ID] = len(c.goals)
		c.goals = append(c.goals, g)
	}
	return c, nil
}

func (g Goal) validate() error {
	if g.ID == "" {
		return fmt.Errorf("goal id is empty")
	}
	if g.Target < 0 {
		return fmt.Errorf("goal %q: negative target", g.ID)
	}
	switch g.Cadence {
	case Daily, Weekly:
	default:
		return fmt.Errorf("goal %q: unknown cadence %q", g.ID, g.Cadence)
	}
	switch g.Kind {
	case KindTarget, KindLimit:
	default:
		return fmt.Errorf("goal %q: unknown kind %q", g.ID, g.Kind)
	}
	return nil
}

// Goals returns the goals in catalog order.
func (c *Catalog) Goals() []Goal {
	out := make([]Goal, len(c.goals))
	copy(out, c.goals)
	return out
}

// Lookup returns the goal with the given id.
func (c *Catalog) Lookup(id string) (Goal, bool) {
	i, ok := c.index[id]
	if !ok {
		return Goal{}, false
	}
	return c.goals[i], true
}

// Has reports whether id is a known goal.
func (c *Catalog) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Snapshot returns the targets of every goal keyed by id.
func (c *Catalog) Snapshot() map[string]TargetSnapshot {
	out := make(map[string]TargetSnapshot, len(c.goals))
	for _, g := range c.goals {
		out[g.ID] = TargetSnapshot{Target: g.Target, Cadence: g.Cadence, Kind: g.Kind, Unit: g.Unit}
	}
	return out
}

// WeeklyTarget is the target over a whole week: daily goals count seven times.
func (g Goal) WeeklyTarget() int {
	if g.Cadence == Daily {
		return g.Target * 7
	}
	return g.Target
}

// WeeklyTarget is the snapshot's target over a whole week.
func (t TargetSnapshot) WeeklyTarget() int {
	if t.Cadence == Daily {
		return t.Target * 7
	}
	return t.Target
}

// fileConfig is the TOML overlay format:
//
//	[[goal]]
//	id = "nuts"
//	target = 2
type fileConfig struct {
	Goals []Goal `toml:"goal"`
}

// LoadFile overlays the goals defined in a TOML file on top of base. Goals with
// an existing id replace the non-empty fields of the built-in entry; new ids are
// appended. A missing file yields base unchanged.
func LoadFile(base *Catalog, path string) (*Catalog, error) {
	if path == "" {
		return base, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	goals := base.Goals()
	for _, g := range fc.Goals {
		i, ok := base.index[g.ID]
		if !ok {
			if g.Cadence == "" {
				g.Cadence = Daily
			}
			if g.Kind == "" {
				g.Kind = KindTarget
			}
			if g.Name == "" {
				g.Name = g.ID
			}
			goals = append(goals, g)
			continue
		}
		cur := goals[i]
		if g.Name != "" {
			cur.Name = g.Name
		}
		if g.Target != 0 {
			cur.Target = g.Target
		}
		if g.Cadence != "" {
			cur.Cadence = g.Cadence
		}
		if g.Kind != "" {
			cur.Kind = g.Kind
		}
		if g.Unit != "" {
			cur.Unit = g.Unit
		}
		goals[i] = cur
	}
	return New(goals)
}

// IDs returns the goal ids sorted alphabetically.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.goals))
	for _, g := range c.goals {
		ids = append(ids, g.ID)
	}
	sort.Strings(ids)
	return ids
}
