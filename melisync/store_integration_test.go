package melisync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
)

// Regression: re-ingesting the same order must update in place (order keyed on
// id, items on pedido_id+sku), and the tenant guard must keep one
// organization's orders invisible to another.
func TestGormStoreUpsertIdempotency(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "pedidos_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	account := models.IntegrationAccount{
		OrganizationId: "org-int-1",
		Provider:       models.IntegrationProviderMercadoLivre,
		Status:         models.IntegrationStatusConnected,
	}
	bootstrapCtx := utils.SetSkipTenantScopeInContext(context.Background(), true)
	if err := config.GetDB().WithContext(bootstrapCtx).Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), "org-int-1")
	store := NewGormStore()

	pedido := models.Pedido{
		ID:                   "900001",
		OrganizationId:       "org-int-1",
		IntegrationAccountId: account.ID.String(),
		NomeCliente:          "Ana Souza",
		DataPedido:           "2024-03-01",
		Situacao:             models.SituacaoPago,
		ValorTotal:           decimal.RequireFromString("199.90"),
	}
	itens := []models.ItemPedido{
		{PedidoId: "900001", Sku: "SKU-A", Descricao: "Produto A", Quantidade: 2, ValorUnitario: decimal.RequireFromString("49.95"), ValorTotal: decimal.RequireFromString("99.90"), OrganizationId: "org-int-1"},
		{PedidoId: "900001", Sku: "SKU-B", Descricao: "Produto B", Quantidade: 1, ValorUnitario: decimal.RequireFromString("100.00"), ValorTotal: decimal.RequireFromString("100.00"), OrganizationId: "org-int-1"},
	}
	if err := store.UpsertPedido(ctx, &pedido, itens); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same order, changed status and a changed item description.
	pedido.Situacao = models.SituacaoEnviado
	itens[0].Descricao = "Produto A (rev)"
	if err := store.UpsertPedido(ctx, &pedido, itens); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, total, err := store.SelectPedidos(ctx, PedidoQuery{IDs: []string{"900001"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected exactly 1 row after re-ingest, got total=%d len=%d", total, len(rows))
	}
	if rows[0].Situacao != models.SituacaoEnviado {
		t.Fatalf("expected situacao %q, got %q", models.SituacaoEnviado, rows[0].Situacao)
	}
	if len(rows[0].Itens) != 2 {
		t.Fatalf("expected 2 items after re-ingest, got %d", len(rows[0].Itens))
	}
	for _, item := range rows[0].Itens {
		if item.Sku == "SKU-A" && item.Descricao != "Produto A (rev)" {
			t.Fatalf("item SKU-A not updated in place: %q", item.Descricao)
		}
	}

	if err := store.UpdatePedido(ctx, "900001", map[string]interface{}{"obs_interna": models.MarcadorBaixaEstoque + " 2024-03-02"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	rows, _, err = store.SelectPedidos(ctx, PedidoQuery{IDs: []string{"900001"}})
	if err != nil {
		t.Fatalf("select after patch: %v", err)
	}
	if !strings.Contains(rows[0].ObsInterna, models.MarcadorBaixaEstoque) {
		t.Fatalf("patch not applied: %q", rows[0].ObsInterna)
	}

	// Another organization must not see the row.
	otherCtx := utils.SetOrganizationIdInContext(context.Background(), "org-int-2")
	_, otherTotal, err := store.SelectPedidos(otherCtx, PedidoQuery{IDs: []string{"900001"}})
	if err != nil {
		t.Fatalf("cross-tenant select: %v", err)
	}
	if otherTotal != 0 {
		t.Fatalf("tenant guard leaked %d rows across organizations", otherTotal)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("pedidos-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=pedidos_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
