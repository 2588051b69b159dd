package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IntegrationAccount is one connected marketplace seller account, owned by an
// organization. A single organization may hold several accounts (different
// sellers, different providers).
type IntegrationAccount struct {
	ID             uuid.UUID  `gorm:"type:char(36);primaryKey" json:"id"`
	OrganizationId string     `gorm:"index;size:64;not null" json:"organization_id"`
	Provider       string     `gorm:"index;size:50;not null" json:"provider"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	SellerId       string     `gorm:"size:100" json:"seller_id"`
	StoreName      string     `gorm:"size:255" json:"store_name"`
	SettingsJSON   []byte     `gorm:"type:json" json:"settings"`
	CursorJSON     []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSuccessAt  *time.Time `json:"last_success_sync_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *IntegrationAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// MeliCredential holds the OAuth token set for one integration account. Token
// values are encrypted at rest (utils.EncryptString); ExpiresAt drives the
// refresh-ahead window in the token provider.
type MeliCredential struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	IntegrationAccountId string    `gorm:"uniqueIndex;size:64;not null" json:"integration_account_id"`
	OrganizationId       string    `gorm:"index;size:64;not null" json:"organization_id"`
	AccessTokenEnc       string    `gorm:"type:text;not null" json:"-"`
	RefreshTokenEnc      string    `gorm:"type:text;not null" json:"-"`
	MeliUserId           int64     `json:"meli_user_id"`
	ExpiresAt            time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRun records one background reconciliation run for an account.
type SyncRun struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	OrganizationId       string     `gorm:"index;size:64;not null" json:"organization_id"`
	IntegrationAccountId string     `gorm:"index;size:64;not null" json:"integration_account_id"`
	Provider             string     `gorm:"index;size:50;not null" json:"provider"`
	Status               string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy          string     `gorm:"size:20" json:"triggered_by"`
	StatsJSON            []byte     `gorm:"type:json" json:"stats"`
	CursorJSON           []byte     `gorm:"type:json" json:"cursor_state"`
	RecordsSynced        int        `json:"records_synced"`
	ErrorCount           int        `json:"error_count"`
	ParentRunId          *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt            *time.Time `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at"`
	DurationMs           int64      `json:"duration_ms"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError is one per-record failure within a run. Collected, never fatal to
// the batch.
type SyncError struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SyncRunId      uint      `gorm:"index;not null" json:"sync_run_id"`
	OrganizationId string    `gorm:"index;size:64;not null" json:"organization_id"`
	EntityType     string    `gorm:"size:50" json:"entity_type"`
	ExternalId     string    `gorm:"size:128" json:"external_id"`
	ErrorCode      string    `gorm:"size:64" json:"error_code"`
	Message        string    `gorm:"type:text" json:"message"`
	PayloadJSON    []byte    `gorm:"type:json" json:"payload"`
	Retryable      bool      `gorm:"default:false" json:"retryable"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
