package melisync

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("melisync")

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// aggregatePageSize is the internal page size used when walking the persisted
// store to exhaustion for aggregate counters.
const aggregatePageSize = 500

// TokenSource is the credential surface the orchestrator depends on.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, accountID string) (Token, error)
}

// Orchestrator implements the hybrid reconciliation protocol: serve from the
// persisted store when it has rows, fall back to a live fetch otherwise, and
// upsert whatever the live fetch returns. Persisted reads are cheap; live
// calls are rate-limited and slow, hence the ordering.
type Orchestrator struct {
	store  Store
	fetch  Fetcher
	tokens TokenSource
	log    *logrus.Logger
}

func NewOrchestrator(store Store, fetch Fetcher, tokens TokenSource) *Orchestrator {
	return &Orchestrator{
		store:  store,
		fetch:  fetch,
		tokens: tokens,
		log:    config.GetLogger(),
	}
}

// FetchPedidos runs one sync request through the state machine:
//
//	TRY_PERSISTED_STORE -> non-empty -> return (source=banco)
//	                    -> empty/error -> TRY_LIVE_FETCH
//	TRY_LIVE_FETCH      -> success -> transform+upsert -> return (source=tempo-real)
//	                    -> failure -> return (source=banco, empty, error surfaced)
//
// Within one invocation the store read strictly precedes the live fetch;
// they never run concurrently, so a request can't double-write.
func (o *Orchestrator) FetchPedidos(ctx context.Context, req SyncRequest) (resp *SyncResponse, err error) {
	ctx, span := tracer.Start(ctx, "melisync.FetchPedidos")
	defer func() { endSpan(span, err) }()

	accountID := strings.TrimSpace(req.IntegrationAccountId)
	if accountID == "" {
		return nil, &ValidationError{Field: "integration_account_id", Reason: "obrigatório"}
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, &ValidationError{Field: "limit/offset", Reason: "não pode ser negativo"}
	}

	account, err := o.store.GetIntegrationAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Not-yet-supported providers answer successfully with nothing rather
	// than failing: dashboards render zeroes instead of error toasts.
	if account.Provider != models.IntegrationProviderMercadoLivre {
		return &SyncResponse{
			OK:      true,
			Results: []models.Pedido{},
			Source:  SourceIndisponivel,
		}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = MaxSearchLimit
	}

	if req.ForceSource != SourceTempoReal {
		rows, total, storeErr := o.store.SelectPedidos(ctx, PedidoQuery{
			IntegrationAccountIds: []string{accountID},
			Situacao:              req.Filters.Situacao,
			DataInicio:            req.Filters.DataInicio,
			DataFim:               req.Filters.DataFim,
			AtualizadoDe:          req.Filters.AtualizadoDe,
			AtualizadoAte:         req.Filters.AtualizadoAte,
			Limit:                 limit,
			Offset:                req.Offset,
		})
		switch {
		case storeErr != nil:
			// With live fetch off the table the failure must surface: an
			// empty OK response would be indistinguishable from "no rows".
			if req.ForceSource == SourceBanco {
				return &SyncResponse{
					OK:      false,
					Results: []models.Pedido{},
					Paging:  Paging{Limit: limit, Offset: req.Offset},
					Source:  SourceBanco,
				}, storeErr
			}
			// Otherwise non-fatal: fall through to live.
			o.log.WithFields(logrus.Fields{
				"module":     "melisync",
				"account_id": accountID,
			}).Warn("leitura do banco falhou; caindo para tempo-real: " + storeErr.Error())
		case total > 0:
			return &SyncResponse{
				OK:      true,
				Results: rows,
				Paging:  Paging{Total: int(total), Limit: limit, Offset: req.Offset},
				Source:  SourceBanco,
			}, nil
		}
		if req.ForceSource == SourceBanco {
			return &SyncResponse{
				OK:      true,
				Results: []models.Pedido{},
				Paging:  Paging{Limit: limit, Offset: req.Offset},
				Source:  SourceBanco,
			}, nil
		}
	}

	resp, err = o.liveFetch(ctx, account, req.Filters, limit, req.Offset)
	if err != nil {
		return &SyncResponse{
			OK:      false,
			Results: []models.Pedido{},
			Paging:  Paging{Limit: limit, Offset: req.Offset},
			Source:  SourceBanco,
		}, err
	}
	return resp, nil
}

func (o *Orchestrator) liveFetch(ctx context.Context, account *models.IntegrationAccount, f Filters, limit int, offset int) (*SyncResponse, error) {
	tok, err := o.tokens.GetValidAccessToken(ctx, account.ID.String())
	if err != nil {
		return nil, err
	}

	sellerID, err := o.resolveSellerId(ctx, account, tok)
	if err != nil {
		return nil, err
	}

	result, err := o.fetch.SearchOrders(ctx, tok.AccessToken, SearchParams{
		SellerId:        sellerID,
		Limit:           limit,
		Offset:          offset,
		Statuses:        UIFilterToAPIStatus(f.Situacao),
		DateCreatedFrom: isoLowerBound(f.DataInicio),
		DateCreatedTo:   isoUpperBound(f.DataFim),
		LastUpdatedFrom: isoLowerBound(f.AtualizadoDe),
		LastUpdatedTo:   isoUpperBound(f.AtualizadoAte),
	})
	if err != nil {
		return nil, err
	}

	rows, recordErrors := o.ingestOrders(ctx, account, result.Orders)

	paging := result.Paging
	if paging.Limit == 0 {
		paging.Limit = limit
	}
	return &SyncResponse{
		OK:      true,
		Results: rows,
		Paging:  paging,
		Source:  SourceTempoReal,
		Errors:  recordErrors,
	}, nil
}

// ingestOrders transforms and upserts a fetched page. Per-order failures are
// collected and skipped; the batch never aborts (partial-failure semantics).
func (o *Orchestrator) ingestOrders(ctx context.Context, account *models.IntegrationAccount, raws []RawOrder) ([]models.Pedido, []RecordError) {
	rows := make([]models.Pedido, 0, len(raws))
	var recordErrors []RecordError

	for _, raw := range raws {
		id := strings.TrimSpace(raw.ID.String())
		if id == "" || id == "0" {
			recordErrors = append(recordErrors, RecordError{
				PedidoID: id,
				Stage:    "transform",
				Message:  "pedido sem id",
			})
			continue
		}

		pedido, warnings := TransformOrder(raw, account.ID.String(), account.OrganizationId)
		for _, warning := range warnings {
			o.log.WithFields(logrus.Fields{
				"module":    "melisync",
				"pedido_id": id,
			}).Warn("qualidade de dados: " + warning)
		}
		itens := TransformOrderItems(raw, account.OrganizationId)

		if err := o.store.UpsertPedido(ctx, &pedido, itens); err != nil {
			recordErrors = append(recordErrors, RecordError{
				PedidoID: id,
				Stage:    "upsert",
				Message:  err.Error(),
			})
			continue
		}
		pedido.Itens = itens
		rows = append(rows, pedido)
	}
	return rows, recordErrors
}

func (o *Orchestrator) resolveSellerId(ctx context.Context, account *models.IntegrationAccount, tok Token) (int64, error) {
	if id, err := strconv.ParseInt(strings.TrimSpace(account.SellerId), 10, 64); err == nil && id > 0 {
		return id, nil
	}
	if tok.MeliUserId > 0 {
		return tok.MeliUserId, nil
	}
	// Lazy resolution: one who-am-I call, cached by the client.
	return o.fetch.WhoAmI(ctx, tok.AccessToken)
}

// AggregateCounts computes the dashboard counters over the ENTIRE filtered
// set, paginating the persisted store internally to exhaustion. Accounts with
// nothing persisted fall back to live pagination, which also warms the store.
func (o *Orchestrator) AggregateCounts(ctx context.Context, accountIDs []string, f Filters) (_ Counters, err error) {
	ctx, span := tracer.Start(ctx, "melisync.AggregateCounts")
	defer func() { endSpan(span, err) }()

	var counters Counters

	for _, accountID := range accountIDs {
		fromStore, err := o.tallyFromStore(ctx, accountID, f, &counters)
		if err != nil {
			return Counters{}, err
		}
		if fromStore {
			continue
		}
		if err := o.tallyFromLive(ctx, accountID, f, &counters); err != nil {
			return Counters{}, err
		}
	}
	return counters, nil
}

func (o *Orchestrator) tallyFromStore(ctx context.Context, accountID string, f Filters, counters *Counters) (bool, error) {
	offset := 0
	seen := 0
	for {
		rows, total, err := o.store.SelectPedidos(ctx, PedidoQuery{
			IntegrationAccountIds: []string{accountID},
			Situacao:              f.Situacao,
			DataInicio:            f.DataInicio,
			DataFim:               f.DataFim,
			AtualizadoDe:          f.AtualizadoDe,
			AtualizadoAte:         f.AtualizadoAte,
			Limit:                 aggregatePageSize,
			Offset:                offset,
		})
		if err != nil {
			return false, err
		}
		if total == 0 {
			return false, nil
		}
		for _, row := range rows {
			tallyPedido(counters, row)
		}
		seen += len(rows)
		offset += len(rows)
		if seen >= int(total) || len(rows) == 0 {
			return true, nil
		}
	}
}

func (o *Orchestrator) tallyFromLive(ctx context.Context, accountID string, f Filters, counters *Counters) error {
	offset := 0
	for {
		resp, err := o.FetchPedidos(ctx, SyncRequest{
			IntegrationAccountId: accountID,
			Filters:              f,
			Limit:                MaxSearchLimit,
			Offset:               offset,
			ForceSource:          SourceTempoReal,
		})
		if err != nil {
			return err
		}
		for _, row := range resp.Results {
			tallyPedido(counters, row)
		}
		offset += len(resp.Results)
		if offset >= resp.Paging.Total || len(resp.Results) == 0 {
			return nil
		}
	}
}

func tallyPedido(c *Counters, p models.Pedido) {
	c.Total++

	baixado := strings.Contains(p.ObsInterna, models.MarcadorBaixaEstoque)
	if baixado {
		c.Baixados++
	}

	pendente := len(p.Itens) == 0
	for _, item := range p.Itens {
		if strings.TrimSpace(item.Sku) == "" {
			pendente = true
			break
		}
	}
	if pendente {
		c.MapeamentoPendente++
		return
	}

	if ok, _ := ElegivelParaBaixa(p); ok {
		c.ProntosBaixa++
	}
}

// BaixarEstoque marks the eligible subset of the batch as written down. Each
// order is judged independently; ineligible ones are reported as skipped with
// the predicate's reason.
func (o *Orchestrator) BaixarEstoque(ctx context.Context, accountID string, pedidoIDs []string) (*BulkResult, error) {
	return o.bulkApply(ctx, accountID, pedidoIDs, ElegivelParaBaixa, func(p models.Pedido) map[string]interface{} {
		return map[string]interface{}{
			"obs_interna": appendMarker(p.ObsInterna, models.MarcadorBaixaEstoque),
		}
	})
}

// CancelarPedidos bulk-cancels the eligible subset. Cancellation is a status
// transition; rows are never deleted.
func (o *Orchestrator) CancelarPedidos(ctx context.Context, accountID string, pedidoIDs []string) (*BulkResult, error) {
	return o.bulkApply(ctx, accountID, pedidoIDs, ElegivelParaCancelamento, func(p models.Pedido) map[string]interface{} {
		return map[string]interface{}{
			"situacao": models.SituacaoCancelado,
		}
	})
}

func (o *Orchestrator) bulkApply(
	ctx context.Context,
	accountID string,
	pedidoIDs []string,
	eligible func(models.Pedido) (bool, string),
	patch func(models.Pedido) map[string]interface{},
) (*BulkResult, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, &ValidationError{Field: "integration_account_id", Reason: "obrigatório"}
	}
	if len(pedidoIDs) == 0 {
		return nil, &ValidationError{Field: "pedido_ids", Reason: "lista vazia"}
	}

	rows, _, err := o.store.SelectPedidos(ctx, PedidoQuery{
		IntegrationAccountIds: []string{accountID},
		IDs:                   pedidoIDs,
		Limit:                 len(pedidoIDs),
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Pedido, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	result := &BulkResult{Processed: []string{}, Skipped: []SkippedPedido{}}
	for _, id := range pedidoIDs {
		pedido, found := byID[id]
		if !found {
			result.Skipped = append(result.Skipped, SkippedPedido{ID: id, Reason: "pedido não encontrado"})
			continue
		}
		ok, reason := eligible(pedido)
		if !ok {
			result.Skipped = append(result.Skipped, SkippedPedido{ID: id, Reason: reason})
			continue
		}
		if err := o.store.UpdatePedido(ctx, id, patch(pedido)); err != nil {
			result.Skipped = append(result.Skipped, SkippedPedido{ID: id, Reason: err.Error()})
			continue
		}
		result.Processed = append(result.Processed, id)
	}
	return result, nil
}

func appendMarker(obs string, marker string) string {
	stamp := marker + " " + time.Now().UTC().Format("2006-01-02")
	if strings.TrimSpace(obs) == "" {
		return stamp
	}
	return obs + "\n" + stamp
}

// isoLowerBound/isoUpperBound widen a YYYY-MM-DD filter bound into the
// RFC3339 instants the provider expects.
func isoLowerBound(date string) string {
	if strings.TrimSpace(date) == "" {
		return ""
	}
	return date + "T00:00:00.000-00:00"
}

func isoUpperBound(date string) string {
	if strings.TrimSpace(date) == "" {
		return ""
	}
	return date + "T23:59:59.999-00:00"
}
