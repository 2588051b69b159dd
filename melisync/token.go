package melisync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/vendaflow/pedidos_backend/config"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// refreshSkew is how close to expiry a token may get before a refresh is
// attempted. Tokens are never handed out inside this window without trying.
const refreshSkew = 5 * time.Minute

type Token struct {
	AccessToken  string
	RefreshToken string
	MeliUserId   int64
	ExpiresAt    time.Time
}

// CredentialSource loads and persists the decrypted token set for an account.
// The GORM implementation handles encryption at rest.
type CredentialSource interface {
	Load(ctx context.Context, accountID string) (Token, error)
	Save(ctx context.Context, accountID string, tok Token) error
}

// RefreshFunc exchanges a refresh token for a new token set.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

// TokenProvider returns a usable access token for an account, refreshing it
// ahead of expiry. Refresh is single-flight per account: concurrent callers
// coalesce onto one in-flight refresh and all receive the same outcome.
type TokenProvider struct {
	creds   CredentialSource
	refresh RefreshFunc
	locker  *redislock.Client
	group   singleflight.Group
	skew    time.Duration
	now     func() time.Time
	log     *logrus.Logger
}

func NewTokenProvider(creds CredentialSource, refresh RefreshFunc, locker *redislock.Client) *TokenProvider {
	return &TokenProvider{
		creds:   creds,
		refresh: refresh,
		locker:  locker,
		skew:    refreshSkew,
		now:     time.Now,
		log:     config.GetLogger(),
	}
}

// GetValidAccessToken returns a token valid for at least the refresh window,
// or the freshest token available when the refresh fails but the stored token
// has not hard-expired yet (a slightly stale token may still work; the
// downstream call fails naturally with an auth error if not).
func (p *TokenProvider) GetValidAccessToken(ctx context.Context, accountID string) (Token, error) {
	tok, err := p.creds.Load(ctx, accountID)
	if err != nil {
		return Token{}, err
	}

	if tok.ExpiresAt.Sub(p.now()) >= p.skew {
		return tok, nil
	}

	v, err, _ := p.group.Do(accountID, func() (interface{}, error) {
		return p.refreshToken(ctx, accountID, tok)
	})
	if err != nil {
		if tok.ExpiresAt.After(p.now()) {
			if p.log != nil {
				p.log.WithFields(logrus.Fields{
					"module":     "melisync",
					"account_id": accountID,
				}).Warn("refresh do token falhou; usando token ainda válido: " + err.Error())
			}
			return tok, nil
		}
		return Token{}, fmt.Errorf("refresh do token para a conta %s: %w", accountID, ErrAuthExpired)
	}
	return v.(Token), nil
}

func (p *TokenProvider) refreshToken(ctx context.Context, accountID string, current Token) (Token, error) {
	// Cross-instance guard is best-effort: the singleflight group already
	// serializes callers within this process, and a duplicate refresh on a
	// lock miss is harmless (the provider rotates the token set atomically).
	var lock *redislock.Lock
	if p.locker != nil {
		var err error
		lock, err = p.locker.Obtain(ctx, "meli:token-refresh:"+accountID, 30*time.Second, nil)
		if err != nil {
			lock = nil
		}
	}
	defer func() {
		if lock != nil {
			_ = lock.Release(ctx)
		}
	}()

	fresh, err := p.refresh(ctx, current.RefreshToken)
	if err != nil {
		return Token{}, err
	}
	if fresh.MeliUserId == 0 {
		fresh.MeliUserId = current.MeliUserId
	}
	if err := p.creds.Save(ctx, accountID, fresh); err != nil {
		return Token{}, err
	}
	return fresh, nil
}

// gormCredentialSource persists credentials in MySQL, encrypted at rest. The
// DB handle is resolved at call time (the server listens before the database
// connection is established).
type gormCredentialSource struct{}

func NewGormCredentialSource() CredentialSource {
	return &gormCredentialSource{}
}

func (s *gormCredentialSource) Load(ctx context.Context, accountID string) (Token, error) {
	var cred models.MeliCredential
	err := config.GetDB().WithContext(ctx).
		Where("integration_account_id = ?", accountID).
		Take(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Token{}, fmt.Errorf("conta %s: %w", accountID, ErrCredentialNotFound)
		}
		return Token{}, err
	}

	access, err := utils.DecryptString(cred.AccessTokenEnc)
	if err != nil {
		return Token{}, fmt.Errorf("decifrar access token: %w", err)
	}
	refresh, err := utils.DecryptString(cred.RefreshTokenEnc)
	if err != nil {
		return Token{}, fmt.Errorf("decifrar refresh token: %w", err)
	}

	return Token{
		AccessToken:  access,
		RefreshToken: refresh,
		MeliUserId:   cred.MeliUserId,
		ExpiresAt:    cred.ExpiresAt,
	}, nil
}

func (s *gormCredentialSource) Save(ctx context.Context, accountID string, tok Token) error {
	accessEnc, err := utils.EncryptString(tok.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := utils.EncryptString(tok.RefreshToken)
	if err != nil {
		return err
	}
	return config.GetDB().WithContext(ctx).
		Model(&models.MeliCredential{}).
		Where("integration_account_id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token_enc":  accessEnc,
			"refresh_token_enc": refreshEnc,
			"meli_user_id":      tok.MeliUserId,
			"expires_at":        tok.ExpiresAt,
		}).Error
}

// NewMeliRefresher builds the OAuth refresh call against the provider.
func NewMeliRefresher(appID string, appSecret string, baseURL string, httpClient *http.Client) RefreshFunc {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return func(ctx context.Context, refreshToken string) (Token, error) {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("client_id", appID)
		form.Set("client_secret", appSecret)
		form.Set("refresh_token", refreshToken)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/oauth/token", strings.NewReader(form.Encode()))
		if err != nil {
			return Token{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return Token{}, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Token{}, fmt.Errorf("oauth/token retornou %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var parsed struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			UserId       int64  `json:"user_id"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Token{}, err
		}
		if parsed.AccessToken == "" {
			return Token{}, errors.New("oauth/token sem access_token na resposta")
		}

		return Token{
			AccessToken:  parsed.AccessToken,
			RefreshToken: parsed.RefreshToken,
			MeliUserId:   parsed.UserId,
			ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		}, nil
	}
}
