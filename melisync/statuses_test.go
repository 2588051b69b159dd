package melisync

import (
	"testing"

	"github.com/vendaflow/pedidos_backend/models"
)

func TestNormalizeStatus_MapsKnownValues(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"paid", models.SituacaoPago},
		{"confirmed", models.SituacaoConfirmado},
		{"payment_required", models.SituacaoAberto},
		{"payment_in_process", models.SituacaoAberto},
		{"partially_paid", models.SituacaoAberto},
		{"shipped", models.SituacaoEnviado},
		{"delivered", models.SituacaoEntregue},
		{"cancelled", models.SituacaoCancelado},
		{"invalid", models.SituacaoCancelado},
		{"PAID", models.SituacaoPago},
		{"  paid  ", models.SituacaoPago},
	}
	for _, tc := range cases {
		if got := NormalizeStatus(tc.in); got != tc.expected {
			t.Fatalf("NormalizeStatus(%q) expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}

func TestNormalizeStatus_UnknownPassesThrough(t *testing.T) {
	cases := []string{"mediation_open", "some_future_status", "xyz"}
	for _, in := range cases {
		if got := NormalizeStatus(in); got != in {
			t.Fatalf("NormalizeStatus(%q) expected passthrough, got %q", in, got)
		}
	}
	if got := NormalizeStatus(""); got != "" {
		t.Fatalf("NormalizeStatus(\"\") expected empty, got %q", got)
	}
}

func TestNormalizeSubstatus_UnknownPassesThrough(t *testing.T) {
	if got := NormalizeSubstatus("brand_new_substatus"); got != "brand_new_substatus" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestIsProblem_SubstatusOverridesNeutralStatus(t *testing.T) {
	// A shipment can carry a neutral status while its substatus flags damage.
	if !IsProblem("shipped", "damaged") {
		t.Fatalf("shipped+damaged expected problem")
	}
	if !IsProblem("delivered", "lost") {
		t.Fatalf("delivered+lost expected problem")
	}
	if IsProblem("shipped", "in_transit") {
		t.Fatalf("shipped+in_transit expected not a problem")
	}
	if !IsProblem("cancelled", "") {
		t.Fatalf("cancelled expected problem")
	}
}

func TestCombinedLabel_SuppressesRedundantSubstatus(t *testing.T) {
	cases := []struct {
		status    string
		substatus string
		expected  string
	}{
		{"delivered", "delivered", "Entregue"},
		{"shipped", "", "Enviado"},
		{"shipped", "in_transit", "Enviado • Em Trânsito"},
	}
	for _, tc := range cases {
		if got := CombinedLabel(tc.status, tc.substatus); got != tc.expected {
			t.Fatalf("CombinedLabel(%q, %q) expected %q, got %q", tc.status, tc.substatus, tc.expected, got)
		}
	}
}

func TestIsDelivered(t *testing.T) {
	if !IsDelivered("delivered", "") {
		t.Fatalf("delivered status expected true")
	}
	if !IsDelivered("shipped", "delivered") {
		t.Fatalf("delivered substatus expected true")
	}
	if IsDelivered("shipped", "in_transit") {
		t.Fatalf("in transit expected false")
	}
}

func TestIsInTransit(t *testing.T) {
	if !IsInTransit("shipped", "in_transit") {
		t.Fatalf("shipped+in_transit expected in transit")
	}
	if !IsInTransit("shipped", "") {
		t.Fatalf("shipped without substatus expected in transit")
	}
	if IsInTransit("shipped", "delivered") {
		t.Fatalf("delivered substatus expected not in transit")
	}
	if IsInTransit("shipped", "lost") {
		t.Fatalf("problem substatus expected not in transit")
	}
	if IsInTransit("paid", "") {
		t.Fatalf("order not yet shipped expected not in transit")
	}
}

func TestUIFilterToAPIStatus(t *testing.T) {
	if got := UIFilterToAPIStatus(models.SituacaoPago); len(got) == 0 || got[0] != "paid" {
		t.Fatalf("Pago expected [paid], got %v", got)
	}
	if got := UIFilterToAPIStatus(""); got != nil {
		t.Fatalf("empty filter expected nil, got %v", got)
	}
	if got := UIFilterToAPIStatus("Qualquer Coisa"); got != nil {
		t.Fatalf("unknown filter expected nil, got %v", got)
	}
}
