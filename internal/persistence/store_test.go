package persistence_test

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/juno-kyojin/tcman/internal/persistence"
	"github.com/juno-kyojin/tcman/pkg/results"
)

func openStore(t *testing.T) *persistence.BadgerStore {
	t.Helper()
	s, err := persistence.OpenBadger("")
	if err != nil {
		t.Fatalf("cannot open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveRunAndRecentRuns(t *testing.T) {
	s := openStore(t)

	base := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.SaveRun(persistence.RunRecord{
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			FileName:      fmt.Sprintf("file%d.json", i),
			SendStatus:    "Completed",
			OverallResult: "Pass",
			TargetHost:    "192.168.88.1",
			TargetUser:    "root",
		})
		if err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Newest first.
	if runs[0].FileName != "file2.json" || runs[1].FileName != "file1.json" {
		t.Errorf("wrong order: got [%s, %s]", runs[0].FileName, runs[1].FileName)
	}
	if runs[0].ID == "" {
		t.Error("run record has no generated ID")
	}
}

func TestRecentRunsCacheInvalidation(t *testing.T) {
	s := openStore(t)

	if _, err := s.SaveRun(persistence.RunRecord{FileName: "a.json"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if runs, _ := s.RecentRuns(10); len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	// A save after a cached read must be visible immediately.
	if _, err := s.SaveRun(persistence.RunRecord{FileName: "b.json"}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs after second save, want 2", len(runs))
	}
}

func TestSaveOutcomes(t *testing.T) {
	s := openStore(t)

	runID, err := s.SaveRun(persistence.RunRecord{FileName: "wan_restart.json"})
	if err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	want := []results.Outcome{
		{Service: "wan", Action: "restart", Status: results.StatusPass, Details: "ok", ExecutionTime: 2.5},
		{Service: "wan", Action: "status", Status: results.StatusFail, Details: "nope"},
	}
	if err := s.SaveOutcomes(runID, want); err != nil {
		t.Fatalf("SaveOutcomes failed: %v", err)
	}
	got, err := s.Outcomes(runID)
	if err != nil {
		t.Fatalf("Outcomes failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d outcomes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSettings(t *testing.T) {
	s := openStore(t)

	if got := s.GetSetting("result_path", "/root/result"); got != "/root/result" {
		t.Errorf("default: got %q", got)
	}
	if err := s.SetSetting("result_path", "/data/results"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if got := s.GetSetting("result_path", "/root/result"); got != "/data/results" {
		t.Errorf("after set: got %q", got)
	}
}

func TestLogConnection(t *testing.T) {
	s := openStore(t)
	err := s.LogConnection(persistence.ConnectionEvent{
		Host:    "192.168.88.1",
		Status:  "Connected",
		Details: "probe ok",
	})
	if err != nil {
		t.Errorf("LogConnection failed: %v", err)
	}
}

func TestWriteArchive(t *testing.T) {
	dir := t.TempDir()
	af, err := persistence.WriteArchive(dir, "wan_restart", "fake-id", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("WriteArchive failed: %v", err)
	}
	if !strings.HasSuffix(af.Path, ".fake-id.json.gz") {
		t.Errorf("unexpected archive path: %s", af.Path)
	}
	fp, err := os.Open(af.Path)
	if err != nil {
		t.Fatalf("cannot open archive: %v", err)
	}
	defer fp.Close()
	zr, err := gzip.NewReader(fp)
	if err != nil {
		t.Fatalf("cannot read gzip: %v", err)
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("cannot decompress: %v", err)
	}
	if string(content) != `{"k":"v"}` {
		t.Errorf("unexpected archive content: %s", content)
	}
	if af.Size != len(content) {
		t.Errorf("Size: got %d, want %d", af.Size, len(content))
	}
}
