package derived

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrInvalidCatalog indicates a catalog that fails validation.
var ErrInvalidCatalog = errors.New("derived: invalid catalog")

// Reward is a fixed grant of points and experience.
type Reward struct {
	Points int64 `yaml:"points"`
	Exp    int64 `yaml:"exp"`
}

// Rewards holds the grants of each rewarded action.
type Rewards struct {
	Post    Reward `yaml:"post"`
	Comment Reward `yaml:"comment"`
	CheckIn Reward `yaml:"check_in"`
}

// Quest completes once its counter reaches Target and pays Reward points.
type Quest struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Counter string `yaml:"counter"`
	Target  int64  `yaml:"target"`
	Reward  int64  `yaml:"reward"`
}

// Achievement unlocks once Metric reaches Threshold. It pays nothing.
type Achievement struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Metric    string `yaml:"metric"`
	Threshold int64  `yaml:"threshold"`
}

type boardEntry struct {
	ID          string   `yaml:"id"`
	Slug        string   `yaml:"slug"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Categories  []string `yaml:"categories"`
}

// Catalog is the static configuration of the derived-state rules.
type Catalog struct {
	Rewards      Rewards          `yaml:"rewards"`
	Shop         []forum.ShopItem `yaml:"shop"`
	Quests       []Quest          `yaml:"quests"`
	Achievements []Achievement    `yaml:"achievements"`
	BoardList    []boardEntry     `yaml:"boards"`
}

var (
	knownCounters = map[string]bool{"post_count": true, "comment_count": true, "attendance_count": true}
	knownMetrics  = map[string]bool{"post_count": true, "comment_count": true, "attendance_count": true, "level": true, "inventory": true}
	knownItemKind = map[string]bool{"color": true, "style": true, "badge": true}
)

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file, or the embedded one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates YAML catalog content.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Catalog) validate() error {
	items := make(map[string]bool, len(c.Shop))
	for _, item := range c.Shop {
		if item.ID == "" || items[item.ID] {
			return fmt.Errorf("%w: shop item id %q is empty or duplicated", ErrInvalidCatalog, item.ID)
		}
		if item.Price <= 0 {
			return fmt.Errorf("%w: shop item %s has non-positive price", ErrInvalidCatalog, item.ID)
		}
		if !knownItemKind[item.Type] {
			return fmt.Errorf("%w: shop item %s has unknown type %q", ErrInvalidCatalog, item.ID, item.Type)
		}
		items[item.ID] = true
	}
	quests := make(map[string]bool, len(c.Quests))
	for _, quest := range c.Quests {
		if quest.ID == "" || quests[quest.ID] {
			return fmt.Errorf("%w: quest id %q is empty or duplicated", ErrInvalidCatalog, quest.ID)
		}
		if !knownCounters[quest.Counter] || quest.Target <= 0 {
			return fmt.Errorf("%w: quest %s needs a known counter and a positive target", ErrInvalidCatalog, quest.ID)
		}
		quests[quest.ID] = true
	}
	achievements := make(map[string]bool, len(c.Achievements))
	for _, achievement := range c.Achievements {
		if achievement.ID == "" || achievements[achievement.ID] {
			return fmt.Errorf("%w: achievement id %q is empty or duplicated", ErrInvalidCatalog, achievement.ID)
		}
		if !knownMetrics[achievement.Metric] || achievement.Threshold <= 0 {
			return fmt.Errorf("%w: achievement %s needs a known metric and a positive threshold", ErrInvalidCatalog, achievement.ID)
		}
		achievements[achievement.ID] = true
	}
	return nil
}

// Item looks up a shop item.
func (c *Catalog) Item(id string) (forum.ShopItem, bool) {
	for _, item := range c.Shop {
		if item.ID == id {
			return item, true
		}
	}
	return forum.ShopItem{}, false
}

// Boards returns the static boards.
func (c *Catalog) Boards() []forum.Board {
	boards := make([]forum.Board, 0, len(c.BoardList))
	for _, entry := range c.BoardList {
		boards = append(boards, forum.Board{
			ID:          entry.ID,
			Slug:        entry.Slug,
			Name:        entry.Name,
			Description: entry.Description,
			Categories:  append([]string(nil), entry.Categories...),
		})
	}
	return boards
}
