package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pedido is the canonical representation of one marketplace sale. The primary
// key is the provider's order id, which makes re-ingestion an idempotent
// upsert instead of a duplicate row. Orders are never deleted by the sync
// subsystem; cancellation is a status transition.
type Pedido struct {
	ID                   string          `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId       string          `gorm:"index;size:64;not null" json:"organization_id"`
	IntegrationAccountId string          `gorm:"index;size:64;not null" json:"integration_account_id"`
	NumeroEcommerce      *string         `gorm:"size:64" json:"numero_ecommerce"`
	NumeroVenda          *string         `gorm:"size:64" json:"numero_venda"`
	NomeCliente          string          `gorm:"size:255;not null" json:"nome_cliente"`
	CpfCnpj              *string         `gorm:"size:32" json:"cpf_cnpj"`
	DataPedido           string          `gorm:"size:10;not null" json:"data_pedido"`
	DataPrevista         *string         `gorm:"size:10" json:"data_prevista"`
	Situacao             string          `gorm:"index;size:64;not null" json:"situacao"`
	ShippingStatus       string          `gorm:"size:64" json:"shipping_status"`
	ShippingSubstatus    string          `gorm:"size:64" json:"shipping_substatus"`
	ValorTotal           decimal.Decimal `gorm:"type:decimal(18,2)" json:"valor_total"`
	ValorFrete           decimal.Decimal `gorm:"type:decimal(18,2)" json:"valor_frete"`
	ValorDesconto        decimal.Decimal `gorm:"type:decimal(18,2)" json:"valor_desconto"`
	Cidade               *string         `gorm:"size:128" json:"cidade"`
	UF                   *string         `gorm:"size:8" json:"uf"`
	CodigoRastreamento   *string         `gorm:"size:64" json:"codigo_rastreamento"`
	Obs                  string          `gorm:"type:text" json:"obs"`
	ObsInterna           string          `gorm:"type:text" json:"obs_interna"`
	UltimaAtualizacao    *time.Time      `json:"ultima_atualizacao"`
	Itens                []ItemPedido    `gorm:"foreignKey:PedidoId;references:ID" json:"itens,omitempty"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemPedido is one SKU within an order. Uniqueness on (pedido_id, sku) keeps
// re-sync idempotent at line-item level too.
type ItemPedido struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	PedidoId       string          `gorm:"uniqueIndex:idx_item_pedido_sku,priority:1;size:64;not null" json:"pedido_id"`
	Sku            string          `gorm:"uniqueIndex:idx_item_pedido_sku,priority:2;size:128;not null" json:"sku"`
	Descricao      string          `gorm:"size:512" json:"descricao"`
	Quantidade     int             `gorm:"not null" json:"quantidade"`
	ValorUnitario  decimal.Decimal `gorm:"type:decimal(18,2)" json:"valor_unitario"`
	ValorTotal     decimal.Decimal `gorm:"type:decimal(18,2)" json:"valor_total"`
	OrganizationId string          `gorm:"index;size:64;not null" json:"organization_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
