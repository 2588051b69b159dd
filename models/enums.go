package models

const (
	IntegrationProviderMercadoLivre = "mercadolivre"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// Canonical order statuses. Raw marketplace statuses outside the mapping table
// are stored as-is (compatibility policy: provider vocabularies evolve faster
// than this list).
const (
	SituacaoAberto     = "Aberto"
	SituacaoPago       = "Pago"
	SituacaoConfirmado = "Confirmado"
	SituacaoEnviado    = "Enviado"
	SituacaoEntregue   = "Entregue"
	SituacaoCancelado  = "Cancelado"
)

const (
	UserRoleAdmin  = "Admin"
	UserRoleNormal = "Normal"
)

// Internal note marker set once a bulk stock write-down has been applied.
// The eligibility predicate treats its presence as "already processed".
const MarcadorBaixaEstoque = "[baixa-estoque]"
