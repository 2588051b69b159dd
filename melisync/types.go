package melisync

import (
	"encoding/json"

	"github.com/vendaflow/pedidos_backend/models"
)

// Result sources, as surfaced to callers.
const (
	SourceBanco        = "banco"
	SourceTempoReal    = "tempo-real"
	SourceIndisponivel = "indisponivel"
)

// Filters is the caller-facing filter set. Situacao takes a canonical UI
// label; the orchestrator translates it for the provider via
// UIFilterToAPIStatus.
type Filters struct {
	Situacao      string `json:"situacao"`
	DataInicio    string `json:"data_inicio"`
	DataFim       string `json:"data_fim"`
	AtualizadoDe  string `json:"atualizado_de"`
	AtualizadoAte string `json:"atualizado_ate"`
}

type SyncRequest struct {
	IntegrationAccountId string  `json:"integration_account_id" binding:"required"`
	Filters              Filters `json:"filters"`
	Limit                int     `json:"limit"`
	Offset               int     `json:"offset"`
	// ForceSource bypasses the hybrid protocol: "tempo-real" skips the
	// persisted store (explicit refresh), "banco" never goes live.
	ForceSource string `json:"force_source" binding:"omitempty,oneof=banco tempo-real"`
}

type SyncResponse struct {
	OK      bool            `json:"ok"`
	Results []models.Pedido `json:"results"`
	Paging  Paging          `json:"paging"`
	Source  string          `json:"source"`
	Errors  []RecordError   `json:"errors,omitempty"`
}

// Counters are the dashboard aggregates, computed over the entire filtered
// set regardless of UI page size.
type Counters struct {
	Total              int `json:"total"`
	ProntosBaixa       int `json:"prontosBaixa"`
	MapeamentoPendente int `json:"mapeamentoPendente"`
	Baixados           int `json:"baixados"`
}

type BulkRequest struct {
	IntegrationAccountId string   `json:"integration_account_id" binding:"required"`
	PedidoIds            []string `json:"pedido_ids" binding:"required,min=1"`
}

type SkippedPedido struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports a mixed-eligibility batch: the eligible subset is
// processed, the rest is skipped with reasons.
type BulkResult struct {
	Processed []string        `json:"processed"`
	Skipped   []SkippedPedido `json:"skipped"`
}

type ConnectRequest struct {
	StoreName    string `json:"store_name"`
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresIn    int64  `json:"expires_in" binding:"required,gt=0"`
	MeliUserId   int64  `json:"meli_user_id"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	SellerId  string `json:"sellerId"`
	StoreName string `json:"storeName"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId          uint   `json:"run_id"`
	OrganizationId string `json:"organization_id"`
	AccountId      string `json:"account_id"`
}

// CursorEntry tracks incremental-sync progress for one entity stream.
type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Offset       int    `json:"offset"`
}

type CursorState struct {
	Orders CursorEntry `json:"orders"`
}

func DecodeCursorState(raw []byte) CursorState {
	if len(raw) == 0 {
		return CursorState{}
	}
	var state CursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := json.Marshal(state)
	return b
}
