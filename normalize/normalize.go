// CLAUDE:SUMMARY Converts Brazilian-locale strings scraped from the receipt page into numbers, ISO timestamps and payment labels.
// Package normalize turns the raw strings read off an NFC-e receipt page
// into typed values. Every parser returns nil on failure plus an Issue, so a
// partially unreadable receipt is still persisted with the fields that did
// parse.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SaleTimeLayout is the ISO-8601 form stored for sale timestamps. The page
// prints local time without a zone, so none is attached.
const SaleTimeLayout = "2006-01-02T15:04:05"

const pageTimeLayout = "02/01/2006 15:04:05"

// PaymentPlaceholder is what the page prints in the payment slot when no
// method was recorded.
const PaymentPlaceholder = "Valor a pagar R$:"

var (
	ErrEmpty      = errors.New("normalize: empty value")
	ErrNotDecimal = errors.New("normalize: not a decimal")
	ErrNoDate     = errors.New("normalize: no dd/mm/yyyy hh:mm:ss timestamp")
)

// Label prefixes the page puts in front of numeric values. Longer labels
// come first so "Vl. Unit.:" is not half-stripped by a shorter match.
var decimalLabels = []string{
	"Valor total R$:",
	"Vl. Unit.:",
	"Qtde.:",
	"UN:",
	"R$",
}

var emissionRe = regexp.MustCompile(`(\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2})`)

// Issue describes one field that could not be normalized.
type Issue struct {
	Field string `json:"field"`
	Raw   string `json:"raw"`
	Err   string `json:"error"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s=%q: %s", i.Field, i.Raw, i.Err)
}

// Decimal parses a locale-formatted number such as "Qtde.:2,5" or
// "1.234,56". When a comma is present dots are thousands separators.
func Decimal(raw string) (*float64, error) {
	s := strings.TrimSpace(raw)
	for _, l := range decimalLabels {
		s = strings.TrimSpace(strings.TrimPrefix(s, l))
	}
	s = strings.ReplaceAll(s, "\u00a0", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	// ParseFloat also takes Inf, NaN, exponents and hex floats.
	if strings.IndexFunc(s, notDecimalRune) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotDecimal, raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("%w: %q", ErrNotDecimal, raw)
	}
	return &v, nil
}

func notDecimalRune(r rune) bool {
	return (r < '0' || r > '9') && r != '.' && r != '-' && r != '+'
}

// SaleTime finds a dd/mm/yyyy hh:mm:ss timestamp in raw (the emission line
// reads "Número: 1 Série: 1 Emissão: 10/03/2024 14:05:00 - Via Consumidor")
// and returns it as yyyy-mm-ddThh:mm:ss.
func SaleTime(raw string) (*string, error) {
	m := emissionRe.FindString(raw)
	if m == "" {
		if strings.TrimSpace(raw) == "" {
			return nil, ErrEmpty
		}
		return nil, ErrNoDate
	}
	t, err := time.Parse(pageTimeLayout, m)
	if err != nil {
		return nil, fmt.Errorf("normalize: sale time %q: %w", m, err)
	}
	s := t.Format(SaleTimeLayout)
	return &s, nil
}

// Payment trims the payment label. The placeholder and blanks are absent.
func Payment(raw string) *string {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" || strings.EqualFold(s, PaymentPlaceholder) || strings.EqualFold(s, "Valor a pagar") {
		return nil
	}
	return &s
}

// Name collapses whitespace in a product description.
func Name(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// Collector accumulates issues while normalizing one receipt.
type Collector struct {
	Issues []Issue
}

// Decimal parses raw, recording an issue under field on failure.
func (c *Collector) Decimal(field, raw string) *float64 {
	v, err := Decimal(raw)
	if err != nil {
		c.add(field, raw, err)
	}
	return v
}

// SaleTime parses raw, recording an issue under field on failure.
func (c *Collector) SaleTime(field, raw string) *string {
	v, err := SaleTime(raw)
	if err != nil {
		c.add(field, raw, err)
	}
	return v
}

func (c *Collector) add(field, raw string, err error) {
	c.Issues = append(c.Issues, Issue{Field: field, Raw: raw, Err: err.Error()})
}
