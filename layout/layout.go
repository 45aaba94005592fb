// CLAUDE:SUMMARY Reads raw receipt fields out of the danfeNFCe frame HTML at fixed structural paths.
// Package layout locates receipt fields in the HTML of the issuer's
// danfeNFCe frame. The page has no stable ids or classes, so fields are
// addressed by structural path; the paths live in a Layout value so a
// changed portal can be handled by configuration.
package layout

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrMissingElement is returned when a required locator matches nothing.
var ErrMissingElement = errors.New("layout: element not found")

// Layout holds the locators for one portal layout. Row-relative locators
// are evaluated against each row matched by Rows.
type Layout struct {
	Frame     string `yaml:"frame" json:"frame"` // CSS selector for the iframe, used by the browser side
	Emission  string `yaml:"emission" json:"emission"`
	Rows      string `yaml:"rows" json:"rows"`
	Name      string `yaml:"name" json:"name"`
	Quantity  string `yaml:"quantity" json:"quantity"`
	UnitPrice string `yaml:"unit_price" json:"unit_price"`
	LineTotal string `yaml:"line_total" json:"line_total"`
	Total     string `yaml:"total" json:"total"`
	Payment   string `yaml:"payment" json:"payment"`
}

// Default is the layout of the São Paulo NFC-e consultation page.
var Default = Layout{
	Frame:     `iframe[src*="danfeNFCe"]`,
	Emission:  "/html/body/div[1]/div[4]/div/div[2]/div[2]/div[1]/div/ul/li",
	Rows:      "/html/body/div[1]/div[4]/div/div[2]/div[1]/table/tbody/tr",
	Name:      ".//td[1]/span[1]",
	Quantity:  ".//td[1]/span[3]",
	UnitPrice: ".//td[1]/span[5]",
	LineTotal: ".//td[2]/span",
	Total:     "/html/body/div[1]/div[4]/div/div[2]/div[1]/div[3]/div[2]/span",
	Payment:   "/html/body/div[1]/div[4]/div/div[2]/div[1]/div[3]/div[4]/label",
}

// Merge returns l with empty locators filled from Default.
func (l Layout) Merge() Layout {
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&l.Frame, Default.Frame)
	fill(&l.Emission, Default.Emission)
	fill(&l.Rows, Default.Rows)
	fill(&l.Name, Default.Name)
	fill(&l.Quantity, Default.Quantity)
	fill(&l.UnitPrice, Default.UnitPrice)
	fill(&l.LineTotal, Default.LineTotal)
	fill(&l.Total, Default.Total)
	fill(&l.Payment, Default.Payment)
	return l
}

// RawItem is one product row as printed on the page.
type RawItem struct {
	Name      string `json:"name"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

// RawReceipt is the unparsed content of a receipt page.
type RawReceipt struct {
	Emission string    `json:"emission"`
	Items    []RawItem `json:"items"`
	Total    string    `json:"total"`
	Payment  string    `json:"payment"`
}

// Read parses frame HTML and reads every field. Any locator that matches
// nothing fails the whole read; the page is either fully rendered or not.
func (l Layout) Read(frameHTML string) (*RawReceipt, error) {
	doc, err := html.Parse(strings.NewReader(frameHTML))
	if err != nil {
		return nil, fmt.Errorf("layout: parse: %w", err)
	}
	return l.ReadNode(doc)
}

// ReadNode is Read on an already parsed document.
func (l Layout) ReadNode(doc *html.Node) (*RawReceipt, error) {
	l = l.Merge()
	raw := &RawReceipt{}

	var err error
	if raw.Emission, err = required(doc, "emission", l.Emission); err != nil {
		return nil, err
	}

	rows := evaluate(doc, l.Rows)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: rows (%s)", ErrMissingElement, l.Rows)
	}
	raw.Items = make([]RawItem, 0, len(rows))
	for i, row := range rows {
		var it RawItem
		fields := []struct {
			name string
			path string
			dst  *string
		}{
			{"name", l.Name, &it.Name},
			{"quantity", l.Quantity, &it.Quantity},
			{"unit_price", l.UnitPrice, &it.UnitPrice},
			{"line_total", l.LineTotal, &it.LineTotal},
		}
		for _, f := range fields {
			v, err := required(row, f.name, f.path)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			*f.dst = v
		}
		raw.Items = append(raw.Items, it)
	}

	if raw.Total, err = required(doc, "total", l.Total); err != nil {
		return nil, err
	}
	if raw.Payment, err = required(doc, "payment", l.Payment); err != nil {
		return nil, err
	}
	return raw, nil
}

func required(root *html.Node, field, path string) (string, error) {
	n := first(root, path)
	if n == nil {
		return "", fmt.Errorf("%w: %s (%s)", ErrMissingElement, field, path)
	}
	return text(n), nil
}
