package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// specEntry is one product as written in a spec file:
//
//	{"耐克黑色短袖": {"price": 199, "description": "...", "tags": [...], "sizes": {"M": {"price": 209}}}}
type specEntry struct {
	Name        string   `json:"name"`
	Price       float64  `json:"price"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Sizes       sizeSet  `json:"sizes"`
}

// Skipped records a spec entry that could not be loaded.
type Skipped struct {
	ID     string
	File   string
	Reason string
}

// LoadSpecDir reads every *.json file in specDir. Each product is paired with
// imageDir/<id>.jpg; entries without an image are reported as skipped.
func LoadSpecDir(specDir, imageDir string) ([]Product, []Skipped, error) {
	entries, err := os.ReadDir(specDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read spec dir: %w", err)
	}
	var (
		products []Product
		skipped  []Skipped
		seen     = make(map[string]string)
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(specDir, entry.Name())
		loaded, err := loadSpecFile(path)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range loaded {
			if prev, dup := seen[p.ID]; dup {
				return nil, nil, fmt.Errorf("product %q defined in both %s and %s", p.ID, prev, entry.Name())
			}
			seen[p.ID] = entry.Name()
			if imageDir != "" {
				image := filepath.Join(imageDir, p.ID+".jpg")
				if _, err := os.Stat(image); err != nil {
					skipped = append(skipped, Skipped{ID: p.ID, File: entry.Name(), Reason: "image not found"})
					continue
				}
				p.Image = image
			}
			if err := Validate(p); err != nil {
				skipped = append(skipped, Skipped{ID: p.ID, File: entry.Name(), Reason: err.Error()})
				continue
			}
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, skipped, nil
}

func loadSpecFile(path string) ([]Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]specEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	products := make([]Product, 0, len(raw))
	for id, e := range raw {
		name := e.Name
		if name == "" {
			name = id
		}
		description := e.Description
		if description == "" {
			description = "暂无描述"
		}
		products = append(products, Product{
			ID:          id,
			Name:        name,
			Price:       e.Price,
			Description: description,
			Tags:        e.Tags,
			Sizes:       map[string]SizeOption(e.Sizes),
		})
	}
	return products, nil
}

// Validate ensures a product carries the fields the assistant relies on.
func Validate(p Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if p.Price < 0 {
		return fmt.Errorf("price must be >= 0")
	}
	for label, opt := range p.Sizes {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("size labels must not be empty")
		}
		if opt.Price < 0 {
			return fmt.Errorf("size %s price must be >= 0", label)
		}
	}
	return nil
}
