package g2a

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Product is the strongly-typed internal view of a reseller product.
// All alias handling lives in the raw types below; nothing past this
// boundary ever sees the vendor field names.
type Product struct {
	ID          string
	Name        string
	Price       float64
	RetailPrice float64
	Currency    string
	Qty         int
	Platform    string
	Genres      []string
	Categories  []string
	Description string
	Images      []string
}

// Available reports whether the reseller has stock for the product.
func (p *Product) Available() bool {
	return p.Qty > 0
}

// flexString tolerates vendor ids serialized as either JSON strings or
// numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt tolerates counts serialized as numbers or numeric strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// rawProduct accepts every known alias of the vendor payload:
// minPrice vs price vs retailPrice, qty vs stock. The contract is
// external and evolves additively, so unknown fields are ignored.
type rawProduct struct {
	ID          flexString `json:"id"`
	Name        string     `json:"name"`
	MinPrice    *float64   `json:"minPrice"`
	Price       *float64   `json:"price"`
	RetailPrice *float64   `json:"retailPrice"`
	Currency    string     `json:"currency"`
	Qty         *flexInt   `json:"qty"`
	Stock       *flexInt   `json:"stock"`
	Platform    string     `json:"platform"`
	Genres      []string   `json:"genres"`
	Categories  []string   `json:"categories"`
	Description string     `json:"description"`
	Images      []string   `json:"images"`
}

func (rp rawProduct) normalize() Product {
	p := Product{
		ID:          string(rp.ID),
		Name:        rp.Name,
		Currency:    rp.Currency,
		Platform:    rp.Platform,
		Genres:      rp.Genres,
		Categories:  rp.Categories,
		Description: rp.Description,
		Images:      rp.Images,
	}

	switch {
	case rp.MinPrice != nil:
		p.Price = *rp.MinPrice
	case rp.Price != nil:
		p.Price = *rp.Price
	case rp.RetailPrice != nil:
		p.Price = *rp.RetailPrice
	}

	if rp.RetailPrice != nil {
		p.RetailPrice = *rp.RetailPrice
	} else {
		p.RetailPrice = p.Price
	}

	switch {
	case rp.Qty != nil:
		p.Qty = int(*rp.Qty)
	case rp.Stock != nil:
		p.Qty = int(*rp.Stock)
	}

	if p.Currency == "" {
		p.Currency = "EUR"
	}

	return p
}

// rawProductPage accepts docs|products and pages|totalPages aliases.
type rawProductPage struct {
	Docs       []rawProduct `json:"docs"`
	Products   []rawProduct `json:"products"`
	Page       int          `json:"page"`
	Pages      int          `json:"pages"`
	TotalPages int          `json:"totalPages"`
	Total      int          `json:"total"`
}

func (rp rawProductPage) normalize(requestedPage int) *ProductPage {
	raws := rp.Docs
	if len(raws) == 0 {
		raws = rp.Products
	}

	page := &ProductPage{
		Page:       rp.Page,
		TotalPages: rp.TotalPages,
		Total:      rp.Total,
		Products:   make([]Product, 0, len(raws)),
	}
	if page.Page == 0 {
		page.Page = requestedPage
	}
	if page.TotalPages == 0 {
		page.TotalPages = rp.Pages
	}
	if page.TotalPages == 0 {
		page.TotalPages = 1
	}

	for _, raw := range raws {
		page.Products = append(page.Products, raw.normalize())
	}
	return page
}

// mockProductPage is the offline/demo fallback catalog. Fabricated
// data: never persisted as real prices or stock.
func mockProductPage(page int) *ProductPage {
	if page > 1 {
		return &ProductPage{Page: page, TotalPages: 1, Mock: true}
	}
	return &ProductPage{
		Page:       1,
		TotalPages: 1,
		Total:      3,
		Mock:       true,
		Products: []Product{
			{
				ID:          "mock-10000027",
				Name:        "Demo Quest",
				Price:       9.99,
				RetailPrice: 12.99,
				Currency:    "EUR",
				Qty:         100,
				Platform:    "Steam",
				Genres:      []string{"Adventure"},
				Categories:  []string{"games"},
				Description: "Mock catalog entry for offline demo mode.",
			},
			{
				ID:          "mock-10000031",
				Name:        "Demo Racer 2",
				Price:       19.99,
				RetailPrice: 24.99,
				Currency:    "EUR",
				Qty:         50,
				Platform:    "Steam",
				Genres:      []string{"Racing"},
				Categories:  []string{"games"},
				Description: "Mock catalog entry for offline demo mode.",
			},
			{
				ID:          "mock-10000042",
				Name:        "Demo Siege",
				Price:       29.99,
				RetailPrice: 39.99,
				Currency:    "EUR",
				Qty:         25,
				Platform:    "GOG",
				Genres:      []string{"Strategy"},
				Categories:  []string{"games"},
				Description: "Mock catalog entry for offline demo mode.",
			},
		},
	}
}
