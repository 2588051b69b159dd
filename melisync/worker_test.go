package melisync

import (
	"context"
	"testing"
	"time"

	"github.com/vendaflow/pedidos_backend/models"
)

// The cursor must advance to the run's START time: an order updated while the
// run paginates can land on a page already fetched, and a cursor stamped at
// the end of the run would skip it on every following run.
func TestSyncOrders_CursorAdvancesToRunStart(t *testing.T) {
	account := meliAccount()
	account.CursorJSON = EncodeCursorState(CursorState{
		Orders: CursorEntry{UpdatedSince: "2024-04-01T00:00:00Z"},
	})
	store := newFakeStore(account)
	fetch := &fakeFetcher{result: SearchResult{
		Orders: []RawOrder{rawPaid("10")},
		Paging: Paging{Total: 1},
	}}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	worker := NewSyncWorker(orch, nil)
	runStart := time.Date(2024, 4, 10, 9, 30, 0, 0, time.UTC)
	worker.now = func() time.Time { return runStart }

	run := &models.SyncRun{ID: 1, OrganizationId: account.OrganizationId}
	stats, cursor, err := worker.syncOrders(context.Background(), run, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.RecordsSynced != 1 || stats.ErrorCount != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if fetch.lastParams.LastUpdatedFrom != "2024-04-01T00:00:00Z" {
		t.Fatalf("pagination must resume from the stored cursor, got %q", fetch.lastParams.LastUpdatedFrom)
	}
	if got, want := cursor.Orders.UpdatedSince, runStart.Format(time.RFC3339); got != want {
		t.Fatalf("cursor must advance to the run start %q, got %q", want, got)
	}
}

// Without a cursor and without a previous success, the first incremental run
// bounds itself to the lookback window instead of fetching all history.
func TestSyncOrders_FirstRunUsesLookbackWindow(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	fetch := &fakeFetcher{result: SearchResult{Paging: Paging{Total: 0}}}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})
	worker := NewSyncWorker(orch, nil)

	if _, _, err := worker.syncOrders(context.Background(), &models.SyncRun{ID: 2}, account); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	since, err := time.Parse(time.RFC3339, fetch.lastParams.LastUpdatedFrom)
	if err != nil {
		t.Fatalf("LastUpdatedFrom not RFC3339: %q", fetch.lastParams.LastUpdatedFrom)
	}
	age := time.Since(since)
	if age < incrementalLookback-time.Minute || age > incrementalLookback+time.Minute {
		t.Fatalf("first run must look back %s, got window of %s", incrementalLookback, age)
	}
}
