package normalize

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecimal(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"Qtde.:2,5", 2.5},
		{"Qtde.: 1", 1},
		{"Vl. Unit.: 12,99", 12.99},
		{"1.234,56", 1234.56},
		{"R$ 1.234.567,89", 1234567.89},
		{"Valor total R$: 45,10", 45.10},
		{"UN: 3", 3},
		{"7.50", 7.5},
		{" 0,99 ", 0.99},
	}
	for _, tt := range tests {
		got, err := Decimal(tt.raw)
		if err != nil {
			t.Fatalf("Decimal(%q): %v", tt.raw, err)
		}
		if *got != tt.want {
			t.Fatalf("Decimal(%q) = %v, want %v", tt.raw, *got, tt.want)
		}
	}
}

func TestDecimal_Failures(t *testing.T) {
	if v, err := Decimal(""); v != nil || !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty: got %v, %v", v, err)
	}
	if v, err := Decimal("Qtde.:"); v != nil || !errors.Is(err, ErrEmpty) {
		t.Fatalf("label only: got %v, %v", v, err)
	}
	for _, raw := range []string{"abc", "Inf", "-Inf", "infinity", "Qtde.:NaN", "R$ nan", "1e3", "0x1p3", "1_000"} {
		if v, err := Decimal(raw); v != nil || !errors.Is(err, ErrNotDecimal) {
			t.Fatalf("%q: got %v, %v", raw, v, err)
		}
	}
}

func TestSaleTime(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"10/03/2024 14:05:00", "2024-03-10T14:05:00"},
		{"Número: 12 Série: 1 Emissão: 01/12/2023 09:00:59 - Via Consumidor", "2023-12-01T09:00:59"},
	}
	for _, tt := range tests {
		got, err := SaleTime(tt.raw)
		if err != nil {
			t.Fatalf("SaleTime(%q): %v", tt.raw, err)
		}
		if *got != tt.want {
			t.Fatalf("SaleTime(%q) = %q, want %q", tt.raw, *got, tt.want)
		}
	}
}

func TestSaleTime_Failures(t *testing.T) {
	if _, err := SaleTime("Emissão: ontem"); !errors.Is(err, ErrNoDate) {
		t.Fatalf("expected ErrNoDate, got %v", err)
	}
	if _, err := SaleTime("  "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := SaleTime("31/02/2024 10:00:00"); err == nil {
		t.Fatal("expected error for impossible date")
	}
}

func TestPayment(t *testing.T) {
	if got := Payment("  Cartão de  Crédito \n"); got == nil || *got != "Cartão de Crédito" {
		t.Fatalf("got %v", got)
	}
	for _, raw := range []string{"", "   ", "Valor a pagar R$:", "valor a pagar r$:"} {
		if got := Payment(raw); got != nil {
			t.Fatalf("Payment(%q) = %q, want nil", raw, *got)
		}
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	q := c.Decimal("quantity", "Qtde.:2,5")
	p := c.Decimal("unit_price", "Vl. Unit.: --")
	ts := c.SaleTime("sale_timestamp", "sem data")

	if q == nil || *q != 2.5 {
		t.Fatalf("quantity: %v", q)
	}
	if p != nil || ts != nil {
		t.Fatalf("expected nil for unparseable fields, got %v %v", p, ts)
	}

	want := []Issue{
		{Field: "unit_price", Raw: "Vl. Unit.: --", Err: `normalize: not a decimal: "Vl. Unit.: --"`},
		{Field: "sale_timestamp", Raw: "sem data", Err: ErrNoDate.Error()},
	}
	if diff := cmp.Diff(want, c.Issues); diff != "" {
		t.Fatalf("issues mismatch (-want +got):\n%s", diff)
	}
}
