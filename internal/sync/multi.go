package sync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/logger"
)

// EpicResult is the outcome of one document in a multi-epic run.
type EpicResult struct {
	EpicKey domain.IssueKey
	Path    string
	Report  *Report
	Err     error
}

// SyncAll runs a full sync for each document, at most workers at a time.
// Every worker shares the engine's retryer and its rate budget, so a 429 on
// one epic delays them all instead of letting the others pile on. Results
// come back in input order; one epic's failure does not stop the others.
func (e *Engine) SyncAll(ctx context.Context, docs []*domain.Document, workers int, dryRun bool, confirm ConfirmPolicy) []EpicResult {
	if workers < 1 {
		workers = 1
	}

	sem := semaphore.NewWeighted(int64(workers))
	results := make([]EpicResult, len(docs))
	var wg sync.WaitGroup

	for i, doc := range docs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = EpicResult{EpicKey: doc.EpicKey, Path: doc.Path, Err: err}
			continue
		}

		wg.Add(1)
		go func(i int, doc *domain.Document) {
			defer wg.Done()
			defer sem.Release(1)

			logger.Info("sync: starting %s (%s)", doc.EpicKey, doc.Path)
			report, err := e.Sync(ctx, doc, dryRun, confirm)
			results[i] = EpicResult{EpicKey: doc.EpicKey, Path: doc.Path, Report: report, Err: err}
		}(i, doc)
	}

	wg.Wait()
	return results
}
