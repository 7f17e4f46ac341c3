package sync

import (
	"context"
	"testing"

	"github.com/JohanCodinha/epicsync/internal/domain"
)

func TestSyncAllIsolatesFailures(t *testing.T) {
	port := newFakePort()
	port.failOn["Broken story"] = fatalAuthErr()
	engine, _ := testEngine(t, port, Options{})

	good := &domain.Document{
		EpicKey: "PROJ-1",
		Stories: []domain.Story{{ID: "US-001", Title: "Good story"}},
	}
	bad := &domain.Document{
		EpicKey: "OTHER-1",
		Stories: []domain.Story{{ID: "US-001", Title: "Broken story"}},
	}

	results := engine.SyncAll(context.Background(), []*domain.Document{good, bad}, 2, false, NoConfirm)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	// Results come back in input order.
	if results[0].EpicKey != "PROJ-1" || results[1].EpicKey != "OTHER-1" {
		t.Errorf("result order wrong: %s, %s", results[0].EpicKey, results[1].EpicKey)
	}
	if results[0].Err != nil {
		t.Errorf("healthy epic failed: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("broken epic reported no error")
	}
	if c := results[0].Report.Counts(); c.Created != 1 {
		t.Errorf("healthy epic created %d, want 1", c.Created)
	}
}

func TestSyncAllDryRun(t *testing.T) {
	port := newFakePort()
	engine, _ := testEngine(t, port, Options{})

	docs := []*domain.Document{
		{EpicKey: "PROJ-1", Stories: []domain.Story{{ID: "US-001", Title: "A"}}},
		{EpicKey: "PROJ-2", Stories: []domain.Story{{ID: "US-001", Title: "B"}}},
		{EpicKey: "PROJ-3", Stories: []domain.Story{{ID: "US-001", Title: "C"}}},
	}

	results := engine.SyncAll(context.Background(), docs, 2, true, NoConfirm)
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("%s: %v", res.EpicKey, res.Err)
		}
		if res.Report == nil || !res.Report.DryRun {
			t.Errorf("%s: report not dry-run", res.EpicKey)
		}
	}
	if len(port.calls) != 0 {
		t.Errorf("dry-run touched the tracker: %v", port.calls)
	}
}
