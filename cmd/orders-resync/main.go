package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/melisync"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
)

// Maintenance tool: force a live resync of one integration account's orders,
// page by page, bypassing the persisted-store short-circuit. Useful after a
// mapping fix or a data incident, when the stored rows must be rebuilt from
// the provider.
func main() {
	accountID := flag.String("account-id", "", "Integration account id (uuid string). Required.")
	situacao := flag.String("situacao", "", "Optional: canonical status filter (e.g. Pago).")
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD).")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD).")
	maxPages := flag.Int("max-pages", 0, "Optional: stop after N pages (0 = all).")
	flag.Parse()

	_ = godotenv.Load()

	if strings.TrimSpace(*accountID) == "" {
		fmt.Fprintln(os.Stderr, "-account-id is required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	// Ensure schema is up-to-date before writing.
	models.MigrateTable()

	store := melisync.NewGormStore()
	account, err := store.GetIntegrationAccount(ctx, strings.TrimSpace(*accountID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load account: %v\n", err)
		os.Exit(1)
	}

	// Scope writes to the account's organization so the tenant guard applies.
	ctx = utils.SetOrganizationIdInContext(ctx, account.OrganizationId)
	ctx = utils.SetUsernameInContext(ctx, "OrdersResync")

	tokens := melisync.NewTokenProvider(
		melisync.NewGormCredentialSource(),
		melisync.NewMeliRefresher(
			os.Getenv("MELI_APP_ID"),
			os.Getenv("MELI_APP_SECRET"),
			utils.EnvOrDefault("MELI_API_BASE_URL", "https://api.mercadolibre.com"),
			nil,
		),
		nil,
	)
	orch := melisync.NewOrchestrator(store, melisync.NewClient(), tokens)

	filters := melisync.Filters{
		Situacao:   strings.TrimSpace(*situacao),
		DataInicio: strings.TrimSpace(*from),
		DataFim:    strings.TrimSpace(*to),
	}

	var synced, failed, page int
	offset := 0
	for {
		page++
		resp, err := orch.FetchPedidos(ctx, melisync.SyncRequest{
			IntegrationAccountId: account.ID.String(),
			Filters:              filters,
			Limit:                melisync.MaxSearchLimit,
			Offset:               offset,
			ForceSource:          melisync.SourceTempoReal,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "page %d: %v\n", page, err)
			os.Exit(1)
		}

		synced += len(resp.Results)
		failed += len(resp.Errors)
		for _, recordErr := range resp.Errors {
			line, _ := json.Marshal(recordErr)
			fmt.Fprintf(os.Stderr, "record error: %s\n", line)
		}

		fmt.Printf("page %d: %d pedidos (total=%d)\n", page, len(resp.Results), resp.Paging.Total)

		offset += len(resp.Results)
		if len(resp.Results) == 0 || offset >= resp.Paging.Total {
			break
		}
		if *maxPages > 0 && page >= *maxPages {
			fmt.Println("max-pages reached; stopping")
			break
		}
	}

	fmt.Printf("done: account=%s synced=%d failed=%d pages=%d\n", account.ID.String(), synced, failed, page)
}
