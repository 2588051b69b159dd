package melisync

import (
	"fmt"
	"strings"

	"github.com/vendaflow/pedidos_backend/models"
)

// Eligibility predicates for bulk actions. Pure functions over one order so a
// mixed batch can be evaluated per order and the eligible subset processed.

var baixaStatusAllowList = map[string]bool{
	models.SituacaoPago:       true,
	models.SituacaoConfirmado: true,
}

// ElegivelParaBaixa reports whether a bulk stock write-down may run for the
// order, with a human-readable reason when it may not.
func ElegivelParaBaixa(p models.Pedido) (bool, string) {
	if strings.Contains(p.ObsInterna, models.MarcadorBaixaEstoque) {
		return false, "baixa de estoque já realizada"
	}
	if !baixaStatusAllowList[p.Situacao] {
		return false, fmt.Sprintf("situação %q não permite baixa", p.Situacao)
	}
	return true, ""
}

// ElegivelParaCancelamento reports whether the order may be bulk-cancelled.
// Delivered and already-cancelled orders never are; an order whose stock was
// written down must be reversed manually first.
func ElegivelParaCancelamento(p models.Pedido) (bool, string) {
	if p.Situacao == models.SituacaoCancelado {
		return false, "pedido já cancelado"
	}
	if IsDelivered(p.Situacao, p.ShippingSubstatus) {
		return false, "pedido já entregue"
	}
	if strings.Contains(p.ObsInterna, models.MarcadorBaixaEstoque) {
		return false, "estoque já baixado; estorne antes de cancelar"
	}
	return true, ""
}
