package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/nfce/internal/store"
	"github.com/hazyhaar/nfce/kit"
	"github.com/hazyhaar/nfce/observability"
)

const key = "35240312345678000190650010000012341000012345"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(kit.WithTransport(context.Background(), "cli"))
	return out.String(), err
}

func TestCLI_CaptureListShowClear(t *testing.T) {
	db := filepath.Join(t.TempDir(), "nfce.db")
	text := "https://www.nfce.fazenda.sp.gov.br/qrcode?p=" + key + "|2|1|1|ABCDEF"

	out, err := run(t, "capture", "--db", db, "--text", text, "--text", text, "--text", "no key here")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 ||
		!strings.Contains(lines[0], "registered "+key) ||
		!strings.Contains(lines[1], "already registered") ||
		!strings.Contains(lines[2], "no valid key") {
		t.Fatalf("capture output:\n%s", out)
	}

	out, err = run(t, "list", "--db", db, "--json", "--status", "pending")
	if err != nil {
		t.Fatal(err)
	}
	var list []store.ReceiptSummary
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("list json: %v\n%s", err, out)
	}
	if len(list) != 1 || list[0].AccessKey != key || list[0].Origin != "cli" {
		t.Fatalf("list: %+v", list)
	}

	out, err = run(t, "show", "--db", db, key)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "not scraped yet") {
		t.Fatalf("show:\n%s", out)
	}

	if _, err := run(t, "clear", "--db", db); err == nil {
		t.Fatal("clear without --yes should fail")
	}
	if _, err := run(t, "clear", "--db", db, "--yes"); err != nil {
		t.Fatal(err)
	}
	out, _ = run(t, "list", "--db", db, "--json")
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("list after clear: %s", out)
	}
}

func TestCLI_CaptureNeedsInput(t *testing.T) {
	if _, err := run(t, "capture", "--db", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error")
	}
}

func TestCLI_MetricsAndAudit(t *testing.T) {
	db := filepath.Join(t.TempDir(), "nfce.db")
	text := "https://www.nfce.fazenda.sp.gov.br/qrcode?p=" + key + "|2"
	if _, err := run(t, "capture", "--db", db, "--text", text); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "clear", "--db", db, "--yes"); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "metrics", "--db", db, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var totals []observability.Total
	if err := json.Unmarshal([]byte(out), &totals); err != nil {
		t.Fatalf("metrics json: %v\n%s", err, out)
	}
	if len(totals) != 1 || totals[0].Name != observability.MetricCaptureTotal || totals[0].Labels != "status=registered" {
		t.Fatalf("metrics: %+v", totals)
	}

	out, err = run(t, "audit", "--db", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "clear_history") || !strings.Contains(out, "cli") {
		t.Fatalf("audit:\n%s", out)
	}

	if _, err := run(t, "metrics", "--db", db, "--since", "March"); err == nil {
		t.Fatal("bad --since should fail")
	}
}

func TestCLI_Tables(t *testing.T) {
	db := filepath.Join(t.TempDir(), "nfce.db")
	text := "https://www.nfce.fazenda.sp.gov.br/qrcode?p=" + key + "|2"
	if _, err := run(t, "capture", "--db", db, "--text", text); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "list", "--db", db)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ACCESS KEY", "PAYMENT", key, "pending", "╭"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list table missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "metrics", "--db", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "SAMPLES") || !strings.Contains(out, observability.MetricCaptureTotal) || !strings.Contains(out, "status=registered") {
		t.Fatalf("metrics table:\n%s", out)
	}

	out, err = run(t, "report", "--db", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Transactions:  0") || !strings.Contains(out, "1 receipts, 0 scraped, 1 pending") {
		t.Fatalf("report:\n%s", out)
	}
}
