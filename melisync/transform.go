package melisync

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
)

// Raw marketplace payloads are an externally-versioned schema: every nested
// field is optional and defaults are filled explicitly. json.Number keeps
// money out of float64 until coerced to decimal.

type RawOrder struct {
	ID          json.Number    `json:"id"`
	Status      string         `json:"status"`
	PackId      json.Number    `json:"pack_id"`
	DateCreated string         `json:"date_created"`
	LastUpdated string         `json:"last_updated"`
	TotalAmount json.Number    `json:"total_amount"`
	PaidAmount  json.Number    `json:"paid_amount"`
	Buyer       *RawBuyer      `json:"buyer"`
	Shipping    *RawShipping   `json:"shipping"`
	Payments    []RawPayment   `json:"payments"`
	OrderItems  []RawOrderItem `json:"order_items"`
}

type RawBuyer struct {
	ID          json.Number     `json:"id"`
	Nickname    string          `json:"nickname"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	BillingInfo *RawBillingInfo `json:"billing_info"`
}

type RawBillingInfo struct {
	DocType   string `json:"doc_type"`
	DocNumber string `json:"doc_number"`
}

type RawShipping struct {
	ID                json.Number  `json:"id"`
	Status            string       `json:"status"`
	Substatus         string       `json:"substatus"`
	Cost              json.Number  `json:"cost"`
	TrackingNumber    string       `json:"tracking_number"`
	EstimatedDelivery *RawEstimate `json:"estimated_delivery"`
	ReceiverAddress   *RawAddress  `json:"receiver_address"`
}

type RawEstimate struct {
	Date string `json:"date"`
}

type RawAddress struct {
	City  RawPlace `json:"city"`
	State RawPlace `json:"state"`
}

type RawPlace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RawPayment struct {
	Status            string      `json:"status"`
	TransactionAmount json.Number `json:"transaction_amount"`
	ShippingCost      json.Number `json:"shipping_cost"`
	CouponAmount      json.Number `json:"coupon_amount"`
}

type RawOrderItem struct {
	Item      RawItem     `json:"item"`
	Quantity  json.Number `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

type RawItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SellerSku string `json:"seller_sku"`
}

const fallbackClienteLabel = "Cliente ML"

// TransformOrder maps a raw marketplace order onto the canonical schema.
// Missing nested fields become documented defaults; invalid money becomes 0
// with a data-quality warning. Deterministic apart from the data_pedido
// fallback to the processing date (the column is NOT NULL).
func TransformOrder(raw RawOrder, integrationAccountID string, organizationID string) (models.Pedido, []string) {
	var warnings []string

	id := strings.TrimSpace(raw.ID.String())

	pedido := models.Pedido{
		ID:                   id,
		IntegrationAccountId: integrationAccountID,
		OrganizationId:       organizationID,
		NomeCliente:          buyerName(raw.Buyer),
		Situacao:             NormalizeStatus(raw.Status),
		ValorTotal:           nonNegativeAmount(raw.TotalAmount, "total_amount", &warnings),
	}

	if raw.Buyer != nil && raw.Buyer.BillingInfo != nil {
		if doc := strings.TrimSpace(raw.Buyer.BillingInfo.DocNumber); doc != "" {
			pedido.CpfCnpj = utils.NewString(doc)
		}
	}

	if date, ok := utils.DateOnly(raw.DateCreated); ok {
		pedido.DataPedido = date
	} else {
		// data_pedido is NOT NULL; this is the single documented
		// non-deterministic fallback.
		pedido.DataPedido = time.Now().UTC().Format("2006-01-02")
		warnings = append(warnings, "date_created ausente ou inválida; usando data de processamento")
	}

	if raw.LastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, raw.LastUpdated); err == nil {
			utc := t.UTC()
			pedido.UltimaAtualizacao = &utc
		}
	}

	numeroVenda := id
	pedido.NumeroVenda = utils.NewString(numeroVenda)
	if pack := strings.TrimSpace(raw.PackId.String()); pack != "" && pack != "0" {
		pedido.NumeroEcommerce = utils.NewString(pack)
	} else {
		pedido.NumeroEcommerce = utils.NewString(numeroVenda)
	}

	var desconto decimal.Decimal
	for _, payment := range raw.Payments {
		desconto = desconto.Add(nonNegativeAmount(payment.CouponAmount, "coupon_amount", &warnings))
	}
	pedido.ValorDesconto = desconto

	if raw.Shipping != nil {
		pedido.ShippingStatus = strings.TrimSpace(raw.Shipping.Status)
		pedido.ShippingSubstatus = strings.TrimSpace(raw.Shipping.Substatus)
		pedido.ValorFrete = nonNegativeAmount(raw.Shipping.Cost, "shipping.cost", &warnings)
		if tracking := strings.TrimSpace(raw.Shipping.TrackingNumber); tracking != "" {
			pedido.CodigoRastreamento = utils.NewString(tracking)
		}
		if raw.Shipping.EstimatedDelivery != nil {
			if date, ok := utils.DateOnly(raw.Shipping.EstimatedDelivery.Date); ok {
				pedido.DataPrevista = utils.NewString(date)
			}
		}
		if raw.Shipping.ReceiverAddress != nil {
			if city := strings.TrimSpace(raw.Shipping.ReceiverAddress.City.Name); city != "" {
				pedido.Cidade = utils.NewString(city)
			}
			if uf := stateCode(raw.Shipping.ReceiverAddress.State); uf != "" {
				pedido.UF = utils.NewString(uf)
			}
		}
	} else if len(raw.Payments) > 0 {
		pedido.ValorFrete = nonNegativeAmount(raw.Payments[0].ShippingCost, "payments.shipping_cost", &warnings)
	}

	return pedido, warnings
}

// TransformOrderItems maps the raw line items. A line without a seller SKU
// falls back to the catalog item id so the (pedido_id, sku) conflict key stays
// populated.
func TransformOrderItems(raw RawOrder, organizationID string) []models.ItemPedido {
	id := strings.TrimSpace(raw.ID.String())
	itens := make([]models.ItemPedido, 0, len(raw.OrderItems))
	for _, line := range raw.OrderItems {
		sku := strings.TrimSpace(line.Item.SellerSku)
		if sku == "" {
			sku = strings.TrimSpace(line.Item.ID)
		}
		if sku == "" {
			continue
		}

		qty := 1
		if n, err := line.Quantity.Int64(); err == nil && n > 0 {
			qty = int(n)
		}

		var discard []string
		unit := nonNegativeAmount(line.UnitPrice, "unit_price", &discard)

		itens = append(itens, models.ItemPedido{
			PedidoId:       id,
			Sku:            sku,
			Descricao:      strings.TrimSpace(line.Item.Title),
			Quantidade:     qty,
			ValorUnitario:  unit,
			ValorTotal:     unit.Mul(decimal.NewFromInt(int64(qty))),
			OrganizationId: organizationID,
		})
	}
	return itens
}

func buyerName(buyer *RawBuyer) string {
	if buyer == nil {
		return fallbackClienteLabel
	}
	if nick := strings.TrimSpace(buyer.Nickname); nick != "" {
		return nick
	}
	full := strings.TrimSpace(strings.TrimSpace(buyer.FirstName) + " " + strings.TrimSpace(buyer.LastName))
	if full != "" {
		return full
	}
	return fallbackClienteLabel
}

// stateCode extracts "SP" from a provider state id like "BR-SP", falling back
// to the plain name.
func stateCode(state RawPlace) string {
	id := strings.TrimSpace(state.ID)
	if idx := strings.LastIndex(id, "-"); idx >= 0 && idx+1 < len(id) {
		return id[idx+1:]
	}
	if id != "" {
		return id
	}
	return strings.TrimSpace(state.Name)
}

// nonNegativeAmount coerces provider money to a non-negative decimal. Invalid
// or negative input defaults to 0 and is reported as a data-quality warning,
// never as a fatal error.
func nonNegativeAmount(num json.Number, field string, warnings *[]string) decimal.Decimal {
	s := strings.TrimSpace(num.String())
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		*warnings = append(*warnings, field+": valor monetário inválido "+strconv.Quote(s))
		return decimal.Zero
	}
	if d.IsNegative() {
		*warnings = append(*warnings, field+": valor monetário negativo "+strconv.Quote(s))
		return decimal.Zero
	}
	return d
}
