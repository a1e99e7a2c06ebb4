package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Product is an immutable catalog entry. Derived variants are produced with
// WithSize and never alias the original's slices or maps.
type Product struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Price       float64               `json:"price"`
	Description string                `json:"description"`
	Image       string                `json:"image,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	Sizes       map[string]SizeOption `json:"sizes,omitempty"`
}

// SizeOption carries per-size overrides. A zero Price inherits the base price.
type SizeOption struct {
	Price float64 `json:"price,omitempty"`
}

// Catalog is the read surface the assistant depends on.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (Product, bool, error)
	SearchByKeyword(ctx context.Context, keyword string) ([]Product, error)
	List(ctx context.Context) ([]Product, error)
}

// HasSize reports whether the product offers the given size label.
func (p Product) HasSize(size string) bool {
	_, ok := p.Sizes[size]
	return ok
}

// WithSize returns a derived product for the given size: the size's price
// overrides the base price and the size is appended to the description.
func (p Product) WithSize(size string) (Product, bool) {
	opt, ok := p.Sizes[size]
	if !ok {
		return Product{}, false
	}
	derived := p.clone()
	if opt.Price > 0 {
		derived.Price = opt.Price
	}
	derived.Description = p.Description + " 尺码: " + size
	return derived, true
}

// PriceText renders the price without trailing zeros.
func (p Product) PriceText() string {
	return strconv.FormatFloat(p.Price, 'f', -1, 64)
}

func (p Product) clone() Product {
	out := p
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Sizes != nil {
		out.Sizes = make(map[string]SizeOption, len(p.Sizes))
		for k, v := range p.Sizes {
			out.Sizes[k] = v
		}
	}
	return out
}

// UnmarshalJSON accepts sizes either as an object keyed by label or as a
// plain list of labels.
func (o *sizeSet) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err == nil {
		set := make(sizeSet, len(labels))
		for _, l := range labels {
			set[l] = SizeOption{}
		}
		*o = set
		return nil
	}
	var keyed map[string]SizeOption
	if err := json.Unmarshal(data, &keyed); err != nil {
		return fmt.Errorf("sizes must be a list or an object: %w", err)
	}
	*o = keyed
	return nil
}

type sizeSet map[string]SizeOption
