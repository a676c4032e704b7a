package derived

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("default catalog failed: %v", err)
	}
	item, ok := catalog.Item("badge_dia")
	if !ok || item.Price != 1000 || item.Type != "badge" {
		t.Fatalf("unexpected item %+v", item)
	}
	if len(catalog.Boards()) != 4 || catalog.Boards()[0].Slug != "free" {
		t.Fatalf("unexpected boards %+v", catalog.Boards())
	}
	if catalog.Rewards.Post.Points != 10 || catalog.Rewards.Comment.Exp != 2 {
		t.Fatalf("unexpected rewards %+v", catalog.Rewards)
	}
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{name: "duplicate item", raw: "shop:\n  - {id: a, price: 1, type: color}\n  - {id: a, price: 1, type: color}\n"},
		{name: "free item", raw: "shop:\n  - {id: a, price: 0, type: color}\n"},
		{name: "unknown item type", raw: "shop:\n  - {id: a, price: 5, type: hat}\n"},
		{name: "unknown counter", raw: "quests:\n  - {id: q, counter: likes, target: 1, reward: 1}\n"},
		{name: "unknown metric", raw: "achievements:\n  - {id: a, metric: karma, threshold: 1}\n"},
		{name: "not yaml", raw: "shop: [\n"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(testCase.raw)); !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("expected invalid catalog, got %v", err)
			}
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	raw := "rewards:\n  post: {points: 1, exp: 50}\nshop:\n  - {id: cap, price: 3, type: badge, value: C}\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write catalog failed: %v", err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog failed: %v", err)
	}
	if catalog.Rewards.Post.Exp != 50 || len(catalog.Shop) != 1 {
		t.Fatalf("unexpected catalog %+v", catalog)
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
