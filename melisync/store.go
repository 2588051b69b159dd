package melisync

import (
	"context"
	"errors"
	"fmt"

	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PedidoQuery is the filter set the persisted store understands. Creation
// bounds apply to data_pedido (YYYY-MM-DD, so plain string comparison is
// correct); update bounds apply to ultima_atualizacao.
type PedidoQuery struct {
	IntegrationAccountIds []string
	IDs                   []string
	Situacao              string
	DataInicio            string
	DataFim               string
	AtualizadoDe          string
	AtualizadoAte         string
	Limit                 int
	Offset                int
}

// Store is the persisted-store surface of the reconciliation core: select,
// idempotent upsert and patch. Everything else the subsystem needs from the
// database goes through these verbs.
type Store interface {
	GetIntegrationAccount(ctx context.Context, id string) (*models.IntegrationAccount, error)
	SelectPedidos(ctx context.Context, q PedidoQuery) ([]models.Pedido, int64, error)
	UpsertPedido(ctx context.Context, pedido *models.Pedido, itens []models.ItemPedido) error
	UpdatePedido(ctx context.Context, id string, patch map[string]interface{}) error
}

// gormStore resolves the shared DB handle at call time; the server starts
// listening before the database connection is established.
type gormStore struct{}

func NewGormStore() Store {
	return &gormStore{}
}

func (s *gormStore) GetIntegrationAccount(ctx context.Context, id string) (*models.IntegrationAccount, error) {
	var account models.IntegrationAccount
	err := config.GetDB().WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conta de integração %s: %w", id, utils.ErrorRecordNotFound)
		}
		return nil, err
	}
	return &account, nil
}

func (s *gormStore) SelectPedidos(ctx context.Context, q PedidoQuery) ([]models.Pedido, int64, error) {
	query := config.GetDB().WithContext(ctx).Model(&models.Pedido{})

	if len(q.IntegrationAccountIds) > 0 {
		query = query.Where("integration_account_id IN ?", q.IntegrationAccountIds)
	}
	if len(q.IDs) > 0 {
		query = query.Where("id IN ?", q.IDs)
	}
	if q.Situacao != "" {
		query = query.Where("situacao = ?", q.Situacao)
	}
	if q.DataInicio != "" {
		query = query.Where("data_pedido >= ?", q.DataInicio)
	}
	if q.DataFim != "" {
		query = query.Where("data_pedido <= ?", q.DataFim)
	}
	if q.AtualizadoDe != "" {
		query = query.Where("ultima_atualizacao >= ?", q.AtualizadoDe)
	}
	if q.AtualizadoAte != "" {
		// Inclusive day bound over a DATETIME column.
		query = query.Where("ultima_atualizacao <= ?", q.AtualizadoAte+" 23:59:59")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = MaxSearchLimit
	}

	var rows []models.Pedido
	err := query.
		Preload("Itens").
		Order("data_pedido DESC, id DESC").
		Limit(limit).
		Offset(q.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// UpsertPedido writes one order and its line items with conflict-key upserts:
// the order on its provider id, each item on (pedido_id, sku). Re-applying the
// same payload updates in place, never duplicates.
func (s *gormStore) UpsertPedido(ctx context.Context, pedido *models.Pedido, itens []models.ItemPedido) error {
	row := *pedido
	row.Itens = nil

	db := config.GetDB().WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return err
	}

	if len(itens) == 0 {
		return nil
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pedido_id"}, {Name: "sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"descricao", "quantidade", "valor_unitario", "valor_total"}),
	}).Create(&itens).Error
}

func (s *gormStore) UpdatePedido(ctx context.Context, id string, patch map[string]interface{}) error {
	result := config.GetDB().WithContext(ctx).
		Model(&models.Pedido{}).
		Where("id = ?", id).
		Updates(patch)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("pedido %s: %w", id, utils.ErrorRecordNotFound)
	}
	return nil
}
