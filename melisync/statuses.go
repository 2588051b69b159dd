package melisync

import (
	"strings"

	"github.com/vendaflow/pedidos_backend/models"
)

// Status vocabulary mapping for Mercado Livre orders. Tables, not switch
// cascades: the vocabulary grows and the lookup must stay data-driven.
//
// Compatibility policy: unknown raw values pass through unchanged. The
// provider adds statuses faster than we map them, and an unmapped order must
// still render.

var statusMap = map[string]string{
	"confirmed":          models.SituacaoConfirmado,
	"payment_required":   models.SituacaoAberto,
	"payment_in_process": models.SituacaoAberto,
	"partially_paid":     models.SituacaoAberto,
	"paid":               models.SituacaoPago,
	"shipped":            models.SituacaoEnviado,
	"delivered":          models.SituacaoEntregue,
	"cancelled":          models.SituacaoCancelado,
	"invalid":            models.SituacaoCancelado,
}

var substatusMap = map[string]string{
	"ready_to_print":          "Pronto para Impressão",
	"printed":                 "Etiqueta Impressa",
	"ready_to_ship":           "Pronto para Envio",
	"picked_up":               "Coletado",
	"in_hub":                  "No Centro de Distribuição",
	"in_transit":              "Em Trânsito",
	"out_for_delivery":        "Saiu para Entrega",
	"soon_deliver":            "Entrega Próxima",
	"waiting_for_withdrawal":  "Aguardando Retirada",
	"delivered":               models.SituacaoEntregue,
	"receiver_absent":         "Destinatário Ausente",
	"returning_to_sender":     "Devolvendo ao Remetente",
	"returned":                "Devolvido",
	"delayed":                 "Atrasado",
	"damaged":                 "Danificado",
	"destroyed":               "Destruído",
	"lost":                    "Extraviado",
	"stolen":                  "Roubado",
	"claim":                   "Em Reclamação",
	"not_delivered":           "Não Entregue",
	"buyer_rescheduled":       "Reagendado pelo Comprador",
	"fulfilled_pending_claim": "Em Reclamação",
}

// problemSubstatuses override an otherwise neutral main status: a shipped
// order with a "lost" substatus is a problem order.
var problemSubstatuses = map[string]bool{
	"damaged":                 true,
	"destroyed":               true,
	"lost":                    true,
	"stolen":                  true,
	"claim":                   true,
	"delayed":                 true,
	"not_delivered":           true,
	"returning_to_sender":     true,
	"returned":                true,
	"receiver_absent":         true,
	"fulfilled_pending_claim": true,
}

var problemStatuses = map[string]bool{
	models.SituacaoCancelado: true,
}

// uiFilterToAPIStatus is the single authoritative UI-label -> provider-status
// filter table (the two legacy tables are consolidated here; this one is the
// superset and round-trips through NormalizeStatus).
var uiFilterToAPIStatus = map[string][]string{
	models.SituacaoAberto:     {"confirmed", "payment_required", "payment_in_process"},
	models.SituacaoPago:       {"paid"},
	models.SituacaoConfirmado: {"confirmed"},
	models.SituacaoEnviado:    {"shipped"},
	models.SituacaoEntregue:   {"delivered"},
	models.SituacaoCancelado:  {"cancelled"},
}

// NormalizeStatus maps a raw marketplace status to the canonical vocabulary.
// Lookup is case-insensitive; unknown values are returned unchanged.
func NormalizeStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return raw
	}
	if mapped, ok := statusMap[key]; ok {
		return mapped
	}
	return raw
}

// NormalizeSubstatus maps a raw shipping substatus; unknown values pass
// through unchanged and an empty input stays empty.
func NormalizeSubstatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if mapped, ok := substatusMap[key]; ok {
		return mapped
	}
	return raw
}

// CombinedLabel renders "Status • Substatus", suppressing the substatus
// fragment when it normalizes to the same label as the main status.
func CombinedLabel(rawStatus string, rawSubstatus string) string {
	status := NormalizeStatus(rawStatus)
	substatus := NormalizeSubstatus(rawSubstatus)
	if substatus == "" || strings.EqualFold(substatus, status) {
		return status
	}
	return status + " • " + substatus
}

// IsDelivered reports whether the order reached the buyer, from either the
// main status or the shipping substatus.
func IsDelivered(rawStatus string, rawSubstatus string) bool {
	if NormalizeStatus(rawStatus) == models.SituacaoEntregue {
		return true
	}
	return NormalizeSubstatus(rawSubstatus) == models.SituacaoEntregue
}

// IsProblem reports whether the order needs attention. A problem substatus
// takes precedence over a neutral main status.
func IsProblem(rawStatus string, rawSubstatus string) bool {
	if problemSubstatuses[strings.ToLower(strings.TrimSpace(rawSubstatus))] {
		return true
	}
	return problemStatuses[NormalizeStatus(rawStatus)]
}

// IsInTransit reports whether the order left the seller but has not been
// delivered and has no problem substatus.
func IsInTransit(rawStatus string, rawSubstatus string) bool {
	if IsDelivered(rawStatus, rawSubstatus) || IsProblem(rawStatus, rawSubstatus) {
		return false
	}
	return NormalizeStatus(rawStatus) == models.SituacaoEnviado
}

// UIFilterToAPIStatus translates a canonical UI status label into the provider
// statuses it covers. Unknown labels return nil (no status filter applied).
func UIFilterToAPIStatus(label string) []string {
	if label == "" {
		return nil
	}
	if statuses, ok := uiFilterToAPIStatus[label]; ok {
		out := make([]string, len(statuses))
		copy(out, statuses)
		return out
	}
	// Accept raw provider values too, so callers can filter by "shipped".
	if _, ok := statusMap[strings.ToLower(strings.TrimSpace(label))]; ok {
		return []string{strings.ToLower(strings.TrimSpace(label))}
	}
	return nil
}
