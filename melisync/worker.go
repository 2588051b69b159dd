package melisync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/models"
	"gorm.io/gorm"
)

// incrementalLookback bounds the first incremental sync of an account when no
// cursor and no previous success exist.
const incrementalLookback = 30 * 24 * time.Hour

// SyncWorker executes queued reconciliation runs end to end: resolve the
// incremental window from the account cursor, paginate the provider to
// exhaustion, upsert each page, record per-order failures, and close the run
// with stats and an advanced cursor.
type SyncWorker struct {
	orch  *Orchestrator
	cache *AggregatorCache
	log   *logrus.Logger
	now   func() time.Time
}

func NewSyncWorker(orch *Orchestrator, cache *AggregatorCache) *SyncWorker {
	return &SyncWorker{
		orch:  orch,
		cache: cache,
		log:   config.GetLogger(),
		now:   time.Now,
	}
}

func (w *SyncWorker) db() *gorm.DB {
	return config.GetDB()
}

type runStats struct {
	Pages         int `json:"pages"`
	RecordsSynced int `json:"records_synced"`
	ErrorCount    int `json:"error_count"`
}

// ProcessSyncRun handles one queued run. Redelivered messages for a run that
// already finished are acknowledged without work.
func (w *SyncWorker) ProcessSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	var run models.SyncRun
	err := w.db().WithContext(ctx).Where("id = ?", payload.RunId).Take(&run).Error
	if err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess ||
		run.Status == models.SyncRunStatusPartial ||
		run.Status == models.SyncRunStatusFailed {
		w.log.WithFields(logrus.Fields{
			"module": "melisync",
			"run_id": run.ID,
			"status": run.Status,
		}).Warn("run já finalizado; mensagem ignorada")
		return nil
	}

	account, err := w.orch.store.GetIntegrationAccount(ctx, run.IntegrationAccountId)
	if err != nil {
		return w.finishRun(ctx, &run, account, models.SyncRunStatusFailed, runStats{}, CursorState{}, err)
	}

	started := time.Now()
	w.db().WithContext(ctx).Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": &started,
	})
	run.StartedAt = &started

	stats, cursor, runErr := w.syncOrders(ctx, &run, account)

	status := models.SyncRunStatusSuccess
	switch {
	case runErr != nil:
		status = models.SyncRunStatusFailed
	case stats.ErrorCount > 0:
		status = models.SyncRunStatusPartial
	}
	return w.finishRun(ctx, &run, account, status, stats, cursor, runErr)
}

func (w *SyncWorker) syncOrders(ctx context.Context, run *models.SyncRun, account *models.IntegrationAccount) (runStats, CursorState, error) {
	var stats runStats

	cursor := DecodeCursorState(account.CursorJSON)
	updatedSince := w.resolveUpdatedSince(cursor, account)

	// The next run resumes from this run's START: an order updated while we
	// paginate may land on a page already fetched, and an end-of-run cursor
	// would skip it forever.
	runStart := w.now().UTC()

	tok, err := w.orch.tokens.GetValidAccessToken(ctx, account.ID.String())
	if err != nil {
		return stats, cursor, err
	}
	sellerID, err := w.orch.resolveSellerId(ctx, account, tok)
	if err != nil {
		return stats, cursor, err
	}

	offset := 0
	for {
		result, err := w.orch.fetch.SearchOrders(ctx, tok.AccessToken, SearchParams{
			SellerId:        sellerID,
			Limit:           MaxSearchLimit,
			Offset:          offset,
			LastUpdatedFrom: updatedSince,
		})
		if err != nil {
			return stats, cursor, err
		}
		stats.Pages++

		rows, recordErrors := w.orch.ingestOrders(ctx, account, result.Orders)
		stats.RecordsSynced += len(rows)
		stats.ErrorCount += len(recordErrors)
		w.recordSyncErrors(ctx, run, recordErrors)

		offset += len(result.Orders)
		if offset >= result.Paging.Total || len(result.Orders) == 0 {
			break
		}
	}

	cursor.Orders = CursorEntry{
		UpdatedSince: runStart.Format(time.RFC3339),
		Offset:       0,
	}
	return stats, cursor, nil
}

func (w *SyncWorker) resolveUpdatedSince(cursor CursorState, account *models.IntegrationAccount) string {
	if s := strings.TrimSpace(cursor.Orders.UpdatedSince); s != "" {
		return s
	}
	if account.LastSuccessAt != nil {
		return account.LastSuccessAt.UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Add(-incrementalLookback).Format(time.RFC3339)
}

func (w *SyncWorker) recordSyncErrors(ctx context.Context, run *models.SyncRun, recordErrors []RecordError) {
	for _, re := range recordErrors {
		payload, _ := json.Marshal(re)
		row := models.SyncError{
			SyncRunId:      run.ID,
			OrganizationId: run.OrganizationId,
			EntityType:     "pedido",
			ExternalId:     re.PedidoID,
			ErrorCode:      re.Stage,
			Message:        re.Message,
			PayloadJSON:    payload,
			Retryable:      re.Stage == "upsert",
		}
		if err := w.db().WithContext(ctx).Create(&row).Error; err != nil {
			config.LogError(w.log, "melisync", "recordSyncErrors", "criar sync_error", re.PedidoID, err)
		}
	}
}

func (w *SyncWorker) finishRun(ctx context.Context, run *models.SyncRun, account *models.IntegrationAccount, status string, stats runStats, cursor CursorState, runErr error) error {
	finished := time.Now()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finished.Sub(*run.StartedAt).Milliseconds()
	}

	statsJSON, _ := json.Marshal(stats)
	updates := map[string]interface{}{
		"status":         status,
		"finished_at":    &finished,
		"duration_ms":    durationMs,
		"records_synced": stats.RecordsSynced,
		"error_count":    stats.ErrorCount,
		"stats_json":     statsJSON,
	}
	if status != models.SyncRunStatusFailed {
		updates["cursor_json"] = EncodeCursorState(cursor)
	}
	if err := w.db().WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		config.LogError(w.log, "melisync", "finishRun", "atualizar sync_run", run.ID, err)
	}

	if account != nil {
		accountUpdates := map[string]interface{}{
			"last_sync_at": &finished,
		}
		if status == models.SyncRunStatusSuccess || status == models.SyncRunStatusPartial {
			accountUpdates["last_success_at"] = &finished
			accountUpdates["cursor_json"] = EncodeCursorState(cursor)
		}
		if err := w.db().WithContext(ctx).
			Model(&models.IntegrationAccount{}).
			Where("id = ?", account.ID).
			Updates(accountUpdates).Error; err != nil {
			config.LogError(w.log, "melisync", "finishRun", "atualizar conta", account.ID.String(), err)
		}
		if w.cache != nil {
			w.cache.Invalidate(account.ID.String())
		}
	}

	if runErr != nil {
		config.LogError(w.log, "melisync", "ProcessSyncRun", "run falhou", run.ID, runErr)
	}
	return runErr
}
