package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	table := NewTable(&buf, []string{"NAME", "SAMPLES", "CREATED"}, &TableOptions{NoColor: true})
	table.AddRow("quickstart", "200", "2026-01-02")
	table.AddRow("mnist", "70000")

	if table.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", table.Len())
	}
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	want := []string{
		"NAME        SAMPLES  CREATED",
		"──────────  ───────  ──────────",
		"quickstart  200      2026-01-02",
		"mnist       70000",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines; want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q; want %q", i, lines[i], want[i])
		}
	}
}

func TestTable_NoHeaders(t *testing.T) {
	var buf bytes.Buffer
	table := NewTable(&buf, nil, nil)
	table.AddRow("ignored")
	table.Render()
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestKeyValueTable_Render(t *testing.T) {
	var buf bytes.Buffer
	kv := NewKeyValueTable(&buf, true)
	kv.AddRow("name", "quickstart")
	kv.AddRow("samples", "200")
	kv.Render()

	want := "name:    quickstart\nsamples: 200\n"
	if buf.String() != want {
		t.Errorf("Render() = %q; want %q", buf.String(), want)
	}
}

func TestHeader(t *testing.T) {
	var buf bytes.Buffer
	Header(&buf, "Fields", true)
	if buf.String() != "Fields\n──────\n" {
		t.Errorf("Header() = %q", buf.String())
	}
}
