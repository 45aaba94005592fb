package accesskey

import (
	"strings"
	"testing"
)

const key44 = "35240312345678000190650010000012341000012345"

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"portal url", "https://www.nfce.fazenda.sp.gov.br/qrcode?p=" + key44 + "|2|1|1|ABCDEF", key44, true},
		{"bare key", key44, key44, true},
		{"spaces around", "  " + key44 + "\n", key44, true},
		{"43 digits", key44[:43], "", false},
		{"45 digits", key44 + "7", "", false},
		{"45 then 44", key44 + "7|" + key44, key44, true},
		{"no digits", "hello world", "", false},
		{"empty", "", "", false},
		{"grouped digits", "3524 0312 3456 7800 0190 6500 1000 0012 3410 0001 2345", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Extract(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExtract_FirstRunWins(t *testing.T) {
	other := strings.Repeat("9", Length)
	got, ok := Extract("p=" + key44 + "|" + other)
	if !ok || got != key44 {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestValid(t *testing.T) {
	if !Valid(key44) {
		t.Fatal("expected valid")
	}
	for _, s := range []string{"", key44[:43], key44 + "0", "a" + key44[1:], " " + key44[1:]} {
		if Valid(s) {
			t.Fatalf("Valid(%q) = true", s)
		}
	}
}

func TestUF(t *testing.T) {
	if got := UF(key44); got != "35" {
		t.Fatalf("UF = %q", got)
	}
	if got := UF("bad"); got != "" {
		t.Fatalf("UF(bad) = %q", got)
	}
}
