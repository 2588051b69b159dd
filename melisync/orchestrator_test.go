package melisync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
)

type fakeStore struct {
	account     *models.IntegrationAccount
	accountErr  error
	pedidos     map[string]models.Pedido
	selectErr   error
	upsertErr   map[string]error
	selectCalls int
	upsertCalls int
	updateCalls int
}

func newFakeStore(account *models.IntegrationAccount) *fakeStore {
	return &fakeStore{
		account:   account,
		pedidos:   make(map[string]models.Pedido),
		upsertErr: make(map[string]error),
	}
}

func (s *fakeStore) GetIntegrationAccount(ctx context.Context, id string) (*models.IntegrationAccount, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	if s.account == nil || s.account.ID.String() != id {
		return nil, utils.ErrorRecordNotFound
	}
	return s.account, nil
}

func (s *fakeStore) SelectPedidos(ctx context.Context, q PedidoQuery) ([]models.Pedido, int64, error) {
	s.selectCalls++
	if s.selectErr != nil {
		return nil, 0, s.selectErr
	}
	var rows []models.Pedido
	for _, p := range s.pedidos {
		if len(q.IDs) > 0 && !containsString(q.IDs, p.ID) {
			continue
		}
		if q.Situacao != "" && p.Situacao != q.Situacao {
			continue
		}
		if q.AtualizadoDe != "" || q.AtualizadoAte != "" {
			// NULL never matches a bound, same as the SQL comparison.
			if p.UltimaAtualizacao == nil {
				continue
			}
			day := p.UltimaAtualizacao.UTC().Format("2006-01-02")
			if q.AtualizadoDe != "" && day < q.AtualizadoDe {
				continue
			}
			if q.AtualizadoAte != "" && day > q.AtualizadoAte {
				continue
			}
		}
		rows = append(rows, p)
	}
	total := int64(len(rows))
	if q.Offset >= len(rows) {
		return nil, total, nil
	}
	end := len(rows)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return rows[q.Offset:end], total, nil
}

func (s *fakeStore) UpsertPedido(ctx context.Context, pedido *models.Pedido, itens []models.ItemPedido) error {
	s.upsertCalls++
	if err := s.upsertErr[pedido.ID]; err != nil {
		return err
	}
	row := *pedido
	row.Itens = itens
	s.pedidos[pedido.ID] = row
	return nil
}

func (s *fakeStore) UpdatePedido(ctx context.Context, id string, patch map[string]interface{}) error {
	s.updateCalls++
	p, ok := s.pedidos[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	if v, ok := patch["situacao"].(string); ok {
		p.Situacao = v
	}
	if v, ok := patch["obs_interna"].(string); ok {
		p.ObsInterna = v
	}
	s.pedidos[id] = p
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type fakeFetcher struct {
	result      SearchResult
	err         error
	searchCalls int
	pages       []SearchResult
	lastParams  SearchParams
}

func (f *fakeFetcher) WhoAmI(ctx context.Context, accessToken string) (int64, error) {
	return 42, nil
}

func (f *fakeFetcher) SearchOrders(ctx context.Context, accessToken string, params SearchParams) (SearchResult, error) {
	f.searchCalls++
	f.lastParams = params
	if f.err != nil {
		return SearchResult{}, f.err
	}
	if len(f.pages) > 0 {
		page := f.pages[0]
		f.pages = f.pages[1:]
		return page, nil
	}
	return f.result, nil
}

type fakeTokens struct {
	tok Token
	err error
}

func (f *fakeTokens) GetValidAccessToken(ctx context.Context, accountID string) (Token, error) {
	if f.err != nil {
		return Token{}, f.err
	}
	return f.tok, nil
}

func meliAccount() *models.IntegrationAccount {
	return &models.IntegrationAccount{
		ID:             uuid.New(),
		OrganizationId: "org-1",
		Provider:       models.IntegrationProviderMercadoLivre,
		Status:         models.IntegrationStatusConnected,
		SellerId:       "42",
	}
}

func testOrchestrator(store Store, fetch Fetcher, tokens TokenSource) *Orchestrator {
	return NewOrchestrator(store, fetch, tokens)
}

func rawPaid(id string) RawOrder {
	return RawOrder{
		ID:          json.Number(id),
		Status:      "paid",
		DateCreated: "2024-03-01T10:00:00.000-03:00",
		TotalAmount: json.Number("100"),
		Buyer:       &RawBuyer{Nickname: "ana"},
		OrderItems: []RawOrderItem{
			{Item: RawItem{SellerSku: "SKU-" + id, Title: "Item"}, Quantity: json.Number("1"), UnitPrice: json.Number("100")},
		},
	}
}

func TestFetchPedidos_StoreHitShortCircuitsLiveFetch(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.pedidos["1"] = models.Pedido{ID: "1", Situacao: models.SituacaoPago}
	fetch := &fakeFetcher{}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{IntegrationAccountId: account.ID.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Source != SourceBanco {
		t.Fatalf("source expected banco, got %q", resp.Source)
	}
	if fetch.searchCalls != 0 {
		t.Fatalf("live fetch must not run when the store has rows, got %d calls", fetch.searchCalls)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "1" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestFetchPedidos_EmptyStoreFallsBackToLive(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	fetch := &fakeFetcher{result: SearchResult{
		Orders: []RawOrder{rawPaid("10")},
		Paging: Paging{Total: 1, Limit: 51},
	}}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{IntegrationAccountId: account.ID.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Source != SourceTempoReal {
		t.Fatalf("source expected tempo-real, got %q", resp.Source)
	}
	if fetch.searchCalls != 1 {
		t.Fatalf("expected one live call, got %d", fetch.searchCalls)
	}
	if store.upsertCalls != 1 {
		t.Fatalf("live results must be persisted, got %d upserts", store.upsertCalls)
	}
	if _, ok := store.pedidos["10"]; !ok {
		t.Fatalf("pedido 10 not persisted")
	}
}

func TestFetchPedidos_StoreErrorIsNonFatal(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.selectErr = errors.New("db down")
	fetch := &fakeFetcher{result: SearchResult{
		Orders: []RawOrder{rawPaid("10")},
		Paging: Paging{Total: 1},
	}}
	orch := NewOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{IntegrationAccountId: account.ID.String()})
	if err != nil {
		t.Fatalf("store failure must fall through to live, got error: %v", err)
	}
	if resp.Source != SourceTempoReal {
		t.Fatalf("source expected tempo-real, got %q", resp.Source)
	}
}

func TestFetchPedidos_UpdatedWindowFiltersStoreRows(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	early := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	late := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	store.pedidos["1"] = models.Pedido{ID: "1", Situacao: models.SituacaoPago, UltimaAtualizacao: &early}
	store.pedidos["2"] = models.Pedido{ID: "2", Situacao: models.SituacaoPago, UltimaAtualizacao: &late}
	fetch := &fakeFetcher{}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{
		IntegrationAccountId: account.ID.String(),
		Filters:              Filters{AtualizadoDe: "2024-03-03"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Source != SourceBanco {
		t.Fatalf("source expected banco, got %q", resp.Source)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "2" {
		t.Fatalf("update window must filter persisted rows, got %+v", resp.Results)
	}
	if resp.Paging.Total != 1 {
		t.Fatalf("total must count only rows inside the window, got %d", resp.Paging.Total)
	}

	// Upper bound, symmetric.
	resp, err = orch.FetchPedidos(context.Background(), SyncRequest{
		IntegrationAccountId: account.ID.String(),
		Filters:              Filters{AtualizadoAte: "2024-03-03"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "1" {
		t.Fatalf("upper bound must filter persisted rows, got %+v", resp.Results)
	}
}

func TestFetchPedidos_ForceBancoSurfacesStoreError(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.selectErr = errors.New("db down")
	fetch := &fakeFetcher{}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{
		IntegrationAccountId: account.ID.String(),
		ForceSource:          SourceBanco,
	})
	if err == nil {
		t.Fatalf("forced banco with a failed store read must surface the error")
	}
	if resp == nil || resp.OK {
		t.Fatalf("expected non-OK response alongside the error, got %+v", resp)
	}
	if fetch.searchCalls != 0 {
		t.Fatalf("forced banco must never go live, got %d calls", fetch.searchCalls)
	}
}

func TestFetchPedidos_LiveFailureReturnsEmptyBancoWithError(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	fetch := &fakeFetcher{err: ErrRateLimited}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{IntegrationAccountId: account.ID.String()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if resp == nil || resp.OK {
		t.Fatalf("expected non-OK response alongside the error")
	}
	if resp.Source != SourceBanco || len(resp.Results) != 0 {
		t.Fatalf("failed live fetch must answer from banco with no rows: %+v", resp)
	}
}

func TestFetchPedidos_UnsupportedProviderAnswersIndisponivel(t *testing.T) {
	account := meliAccount()
	account.Provider = "shopee"
	store := newFakeStore(account)
	fetch := &fakeFetcher{}
	orch := testOrchestrator(store, fetch, &fakeTokens{})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{IntegrationAccountId: account.ID.String()})
	if err != nil {
		t.Fatalf("unsupported provider must not error: %v", err)
	}
	if !resp.OK || resp.Source != SourceIndisponivel || len(resp.Results) != 0 {
		t.Fatalf("expected successful empty indisponivel response, got %+v", resp)
	}
	if fetch.searchCalls != 0 || store.selectCalls != 0 {
		t.Fatalf("no store or live access expected for unsupported provider")
	}
}

func TestFetchPedidos_ForceTempoRealSkipsStore(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.pedidos["1"] = models.Pedido{ID: "1"}
	fetch := &fakeFetcher{result: SearchResult{Orders: []RawOrder{rawPaid("10")}, Paging: Paging{Total: 1}}}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{
		IntegrationAccountId: account.ID.String(),
		ForceSource:          SourceTempoReal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Source != SourceTempoReal {
		t.Fatalf("expected tempo-real, got %q", resp.Source)
	}
	if store.selectCalls != 0 {
		t.Fatalf("force tempo-real must skip the store read")
	}
}

func TestFetchPedidos_PartialFailureContinuesBatch(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.upsertErr["11"] = errors.New("conflito de gravação")
	bad := rawPaid("0") // empty/zero id fails at transform stage
	bad.ID = json.Number("0")
	fetch := &fakeFetcher{result: SearchResult{
		Orders: []RawOrder{rawPaid("10"), bad, rawPaid("11"), rawPaid("12")},
		Paging: Paging{Total: 4},
	}}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	resp, err := orch.FetchPedidos(context.Background(), SyncRequest{IntegrationAccountId: account.ID.String()})
	if err != nil {
		t.Fatalf("per-order failures must not fail the batch: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 persisted orders, got %d", len(resp.Results))
	}
	if len(resp.Errors) != 2 {
		t.Fatalf("expected 2 record errors, got %+v", resp.Errors)
	}
	stages := map[string]bool{}
	for _, re := range resp.Errors {
		stages[re.Stage] = true
	}
	if !stages["transform"] || !stages["upsert"] {
		t.Fatalf("expected one transform and one upsert error, got %+v", resp.Errors)
	}
}

func TestFetchPedidos_ReingestIsIdempotent(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	fetch := &fakeFetcher{result: SearchResult{Orders: []RawOrder{rawPaid("10")}, Paging: Paging{Total: 1}}}
	orch := testOrchestrator(store, fetch, &fakeTokens{tok: Token{AccessToken: "t"}})

	for i := 0; i < 3; i++ {
		_, err := orch.FetchPedidos(context.Background(), SyncRequest{
			IntegrationAccountId: account.ID.String(),
			ForceSource:          SourceTempoReal,
		})
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	if len(store.pedidos) != 1 {
		t.Fatalf("re-ingesting the same order must not duplicate rows, got %d", len(store.pedidos))
	}
}

func TestAggregateCounts_TallyRules(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	item := models.ItemPedido{Sku: "SKU-1"}
	store.pedidos["1"] = models.Pedido{ID: "1", Situacao: models.SituacaoPago, Itens: []models.ItemPedido{item}}
	store.pedidos["2"] = models.Pedido{ID: "2", Situacao: models.SituacaoPago} // no items: mapping pending
	store.pedidos["3"] = models.Pedido{
		ID: "3", Situacao: models.SituacaoPago,
		Itens:      []models.ItemPedido{item},
		ObsInterna: models.MarcadorBaixaEstoque + " 2024-01-01",
	}
	store.pedidos["4"] = models.Pedido{ID: "4", Situacao: models.SituacaoCancelado, Itens: []models.ItemPedido{item}}
	orch := testOrchestrator(store, &fakeFetcher{}, &fakeTokens{tok: Token{AccessToken: "t"}})

	counters, err := orch.AggregateCounts(context.Background(), []string{account.ID.String()}, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counters.Total != 4 {
		t.Fatalf("Total expected 4, got %d", counters.Total)
	}
	if counters.MapeamentoPendente != 1 {
		t.Fatalf("MapeamentoPendente expected 1, got %d", counters.MapeamentoPendente)
	}
	if counters.Baixados != 1 {
		t.Fatalf("Baixados expected 1, got %d", counters.Baixados)
	}
	// Pedido 1 is Pago+mapped+not written down; 3 already has the marker,
	// 4 is cancelled.
	if counters.ProntosBaixa != 1 {
		t.Fatalf("ProntosBaixa expected 1, got %d", counters.ProntosBaixa)
	}
}

func TestBaixarEstoque_MixedEligibility(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.pedidos["1"] = models.Pedido{ID: "1", Situacao: models.SituacaoPago}
	store.pedidos["2"] = models.Pedido{ID: "2", Situacao: models.SituacaoCancelado}
	store.pedidos["3"] = models.Pedido{ID: "3", Situacao: models.SituacaoPago, ObsInterna: models.MarcadorBaixaEstoque}
	orch := testOrchestrator(store, &fakeFetcher{}, &fakeTokens{})

	result, err := orch.BaixarEstoque(context.Background(), account.ID.String(), []string{"1", "2", "3", "404"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Processed) != 1 || result.Processed[0] != "1" {
		t.Fatalf("expected only pedido 1 processed, got %v", result.Processed)
	}
	if len(result.Skipped) != 3 {
		t.Fatalf("expected 3 skipped with reasons, got %+v", result.Skipped)
	}
	for _, sk := range result.Skipped {
		if strings.TrimSpace(sk.Reason) == "" {
			t.Fatalf("skip without reason: %+v", sk)
		}
	}
	if !strings.Contains(store.pedidos["1"].ObsInterna, models.MarcadorBaixaEstoque) {
		t.Fatalf("processed pedido must carry the marker, got %q", store.pedidos["1"].ObsInterna)
	}
}

func TestCancelarPedidos_RespectsEligibility(t *testing.T) {
	account := meliAccount()
	store := newFakeStore(account)
	store.pedidos["1"] = models.Pedido{ID: "1", Situacao: models.SituacaoPago}
	store.pedidos["2"] = models.Pedido{ID: "2", Situacao: models.SituacaoEntregue}
	store.pedidos["3"] = models.Pedido{ID: "3", Situacao: models.SituacaoPago, ObsInterna: models.MarcadorBaixaEstoque}
	orch := testOrchestrator(store, &fakeFetcher{}, &fakeTokens{})

	result, err := orch.CancelarPedidos(context.Background(), account.ID.String(), []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Processed) != 1 || result.Processed[0] != "1" {
		t.Fatalf("expected only pedido 1 cancelled, got %v", result.Processed)
	}
	if store.pedidos["1"].Situacao != models.SituacaoCancelado {
		t.Fatalf("pedido 1 expected Cancelado, got %q", store.pedidos["1"].Situacao)
	}
	if store.pedidos["2"].Situacao != models.SituacaoEntregue {
		t.Fatalf("delivered pedido must not change")
	}
}

func TestBulkRequest_Validation(t *testing.T) {
	orch := testOrchestrator(newFakeStore(meliAccount()), &fakeFetcher{}, &fakeTokens{})

	var validationErr *ValidationError
	if _, err := orch.BaixarEstoque(context.Background(), "", []string{"1"}); !errors.As(err, &validationErr) {
		t.Fatalf("missing account id expected validation error, got %v", err)
	}
	if _, err := orch.BaixarEstoque(context.Background(), "acc", nil); !errors.As(err, &validationErr) {
		t.Fatalf("empty id list expected validation error, got %v", err)
	}
}
