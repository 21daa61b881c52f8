package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/usecase"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"run", "once", "purge", "linkmap"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q not found: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatal("--config flag missing")
	}
}

func TestRunRejectsArguments(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"once", "extra"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestPrintCycle(t *testing.T) {
	start := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	report := usecase.CycleReport{
		CycleID:    "c-1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Sources: []usecase.SourceReport{
			{SourceID: "A", Fetched: 2, New: 2, Dispositions: map[domain.Disposition]int{domain.DispositionPublished: 1}},
			{SourceID: "B", BreakerOpen: true},
			{SourceID: "C", FetchErr: errors.New("timeout")},
		},
	}

	var buf bytes.Buffer
	printCycle(&buf, report)
	out := buf.String()
	for _, want := range []string{"cycle c-1 finished in 1.5s", "fetched=2 new=2", "breaker open", "fetch failed: timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
