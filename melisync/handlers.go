package melisync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
	"gorm.io/gorm"
)

// writeError maps the subsystem's error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": validationErr.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, ErrCredentialNotFound), errors.Is(err, ErrAuthExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
	}
}

func SyncOrdersHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "requisição inválida", "fields": utils.GetValidationErrors(err)})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		resp, err := orch.FetchPedidos(ctx, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func AggregateHandler(cache *AggregatorCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)

		accountIDs := c.QueryArray("integration_account_id")
		if len(accountIDs) == 0 {
			accountIDs, err = listAccountIDs(ctx, organizationId)
			if err != nil {
				writeError(c, err)
				return
			}
		}
		if len(accountIDs) == 0 {
			c.JSON(http.StatusOK, Counters{})
			return
		}

		filters := Filters{
			Situacao:   strings.TrimSpace(c.Query("situacao")),
			DataInicio: strings.TrimSpace(c.Query("data_inicio")),
			DataFim:    strings.TrimSpace(c.Query("data_fim")),
		}

		if c.Query("force") == "true" {
			for _, id := range accountIDs {
				cache.Invalidate(id)
			}
		}

		counters, err := cache.Get(ctx, accountIDs, filters)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, counters)
	}
}

func BaixaEstoqueHandler(orch *Orchestrator, cache *AggregatorCache) gin.HandlerFunc {
	return bulkHandler(cache, orch.BaixarEstoque)
}

func CancelPedidosHandler(orch *Orchestrator, cache *AggregatorCache) gin.HandlerFunc {
	return bulkHandler(cache, orch.CancelarPedidos)
}

func bulkHandler(cache *AggregatorCache, apply func(ctx context.Context, accountID string, ids []string) (*BulkResult, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		var req BulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "requisição inválida", "fields": utils.GetValidationErrors(err)})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		result, err := apply(ctx, req.IntegrationAccountId, req.PedidoIds)
		if err != nil {
			writeError(c, err)
			return
		}
		if len(result.Processed) > 0 && cache != nil {
			cache.Invalidate(req.IntegrationAccountId)
		}
		c.JSON(http.StatusOK, result)
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "requisição inválida", "fields": utils.GetValidationErrors(err)})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		account, err := getAccount(db, organizationId)
		if err != nil {
			writeError(c, err)
			return
		}

		now := time.Now()
		if account == nil {
			account = &models.IntegrationAccount{
				OrganizationId: organizationId,
				Provider:       models.IntegrationProviderMercadoLivre,
				Status:         models.IntegrationStatusConnected,
				SellerId:       formatSellerId(req.MeliUserId),
				StoreName:      strings.TrimSpace(req.StoreName),
			}
			if err := db.Create(account).Error; err != nil {
				writeError(c, err)
				return
			}
		} else {
			update := map[string]interface{}{
				"status":     models.IntegrationStatusConnected,
				"updated_at": now,
			}
			if req.MeliUserId > 0 {
				update["seller_id"] = formatSellerId(req.MeliUserId)
			}
			if name := strings.TrimSpace(req.StoreName); name != "" {
				update["store_name"] = name
			}
			if err := db.Model(account).Updates(update).Error; err != nil {
				writeError(c, err)
				return
			}
		}

		if err := saveCredential(db, account, organizationId, req); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "integration_account_id": account.ID.String()})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		account, err := getAccount(db, organizationId)
		if err != nil {
			writeError(c, err)
			return
		}
		if account == nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		if err := db.Model(account).Updates(map[string]interface{}{
			"status":     models.IntegrationStatusDisconnected,
			"updated_at": time.Now(),
		}).Error; err != nil {
			writeError(c, err)
			return
		}
		// Credentials are dropped on disconnect; reconnecting requires a
		// fresh token set from the OAuth flow.
		if err := db.Where("integration_account_id = ?", account.ID.String()).
			Delete(&models.MeliCredential{}).Error; err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		account, err := getAccount(db, organizationId)
		if err != nil {
			writeError(c, err)
			return
		}
		if account == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected},
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:    account.Status,
				SellerId:  account.SellerId,
				StoreName: account.StoreName,
			},
			LastSyncAt:        formatTime(account.LastSyncAt),
			LastSuccessSyncAt: formatTime(account.LastSuccessAt),
		})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		account, err := getAccount(db, organizationId)
		if err != nil {
			writeError(c, err)
			return
		}
		if account == nil || account.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "mercado livre não está conectado"})
			return
		}

		run := models.SyncRun{
			OrganizationId:       organizationId,
			IntegrationAccountId: account.ID.String(),
			Provider:             models.IntegrationProviderMercadoLivre,
			Status:               models.SyncRunStatusQueued,
			TriggeredBy:          models.SyncTriggeredManual,
		}
		if err := db.Create(&run).Error; err != nil {
			writeError(c, err)
			return
		}

		_ = PublishSyncRun(c.Request.Context(), SyncPubSubPayload{
			RunId:          run.ID,
			OrganizationId: organizationId,
			AccountId:      account.ID.String(),
		})

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		var runs []models.SyncRun
		if err := db.Where("organization_id = ? AND provider = ?", organizationId, models.IntegrationProviderMercadoLivre).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			writeError(c, err)
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "id de run inválido"})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		var run models.SyncRun
		if err := db.Where("id = ? AND organization_id = ?", id, organizationId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "não encontrado"})
				return
			}
			writeError(c, err)
			return
		}

		var errs []models.SyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "id de run inválido"})
			return
		}

		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		db := config.GetDB().WithContext(ctx)

		var run models.SyncRun
		if err := db.Where("id = ? AND organization_id = ?", id, organizationId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "não encontrado"})
				return
			}
			writeError(c, err)
			return
		}

		newRun := models.SyncRun{
			OrganizationId:       organizationId,
			IntegrationAccountId: run.IntegrationAccountId,
			Provider:             run.Provider,
			Status:               models.SyncRunStatusQueued,
			TriggeredBy:          models.SyncTriggeredRetry,
			ParentRunId:          &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			writeError(c, err)
			return
		}

		_ = PublishSyncRun(c.Request.Context(), SyncPubSubPayload{
			RunId:          newRun.ID,
			OrganizationId: organizationId,
			AccountId:      run.IntegrationAccountId,
		})

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// resolveOrganizationID determines whose data the request operates on: the
// caller's own organization by default, an explicit organization_id query
// param for admins.
func resolveOrganizationID(c *gin.Context) (string, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return "", errors.New("unauthorized")
	}

	organizationId := strings.TrimSpace(c.Query("organization_id"))
	if organizationId != "" {
		if err := authorizeInternalOrganization(c.Request.Context(), organizationId); err != nil {
			return "", err
		}
		return organizationId, nil
	}

	// The middleware stamps the signed claim's organization into the context;
	// the user lookup is the fallback for tokens issued without one.
	if claimed, ok := utils.GetOrganizationIdFromContext(c.Request.Context()); ok && strings.TrimSpace(claimed) != "" {
		return strings.TrimSpace(claimed), nil
	}

	user, err := loadUser(c.Request.Context(), username)
	if err != nil {
		return "", err
	}
	organizationId = strings.TrimSpace(user.OrganizationId)
	if organizationId == "" {
		return "", errors.New("organization_id is required")
	}
	return organizationId, nil
}

func authorizeInternalOrganization(ctx context.Context, organizationId string) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}
	if organizationId == "" {
		return errors.New("organization_id is required")
	}

	// Signed-claim fast paths; the user record settles anything else.
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}
	if claimed, ok := utils.GetOrganizationIdFromContext(ctx); ok && claimed == organizationId {
		return nil
	}

	user, err := loadUser(ctx, username)
	if err != nil {
		return err
	}
	if user.Role == models.UserRoleAdmin {
		return nil
	}
	if user.OrganizationId != organizationId {
		return errors.New("unauthorized")
	}
	return nil
}

func loadUser(ctx context.Context, username string) (models.User, error) {
	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return models.User{}, err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return models.User{}, errors.New("db is nil")
		}
		if err := db.WithContext(ctx).
			Model(&models.User{}).
			Where("username = ?", username).
			Take(&user).Error; err != nil {
			return models.User{}, errors.New("unauthorized")
		}
		_ = config.SetRedisObject("User:"+username, user, 10*time.Minute)
	}
	return user, nil
}

func getAccount(db *gorm.DB, organizationId string) (*models.IntegrationAccount, error) {
	var account models.IntegrationAccount
	err := db.Where("organization_id = ? AND provider = ?", organizationId, models.IntegrationProviderMercadoLivre).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func listAccountIDs(ctx context.Context, organizationId string) ([]string, error) {
	db := config.GetDB().WithContext(ctx)
	var ids []string
	err := db.Model(&models.IntegrationAccount{}).
		Where("organization_id = ? AND provider = ? AND status = ?",
			organizationId, models.IntegrationProviderMercadoLivre, models.IntegrationStatusConnected).
		Pluck("id", &ids).Error
	return ids, err
}

func saveCredential(db *gorm.DB, account *models.IntegrationAccount, organizationId string, req ConnectRequest) error {
	accessEnc, err := utils.EncryptString(req.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := utils.EncryptString(req.RefreshToken)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)

	updates := map[string]interface{}{
		"access_token_enc":  accessEnc,
		"refresh_token_enc": refreshEnc,
		"meli_user_id":      req.MeliUserId,
		"expires_at":        expiresAt,
	}

	var cred models.MeliCredential
	err = db.Where("integration_account_id = ?", account.ID.String()).Take(&cred).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		createErr := db.Create(&models.MeliCredential{
			IntegrationAccountId: account.ID.String(),
			OrganizationId:       organizationId,
			AccessTokenEnc:       accessEnc,
			RefreshTokenEnc:      refreshEnc,
			MeliUserId:           req.MeliUserId,
			ExpiresAt:            expiresAt,
		}).Error
		if createErr == nil {
			return nil
		}
		// Concurrent connect lost the insert race on the unique account index;
		// the row exists now, so update it.
		if !isDuplicateKeyErr(createErr) {
			return createErr
		}
	}
	return db.Model(&models.MeliCredential{}).
		Where("integration_account_id = ?", account.ID.String()).
		Updates(updates).Error
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func formatSellerId(meliUserId int64) string {
	if meliUserId <= 0 {
		return ""
	}
	return strconv.FormatInt(meliUserId, 10)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
