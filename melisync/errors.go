package melisync

import (
	"errors"
	"fmt"
)

// Error taxonomy for the reconciliation core. Callers branch on these with
// errors.Is; HTTP handlers translate them to status codes.
var (
	// ErrCredentialNotFound: no stored credential for the account. Fatal, not
	// retried; the seller must reconnect the account.
	ErrCredentialNotFound = errors.New("credencial não encontrada para a conta")

	// ErrAuthExpired: the token refresh failed or the provider rejected the
	// token. Surfaced as "requires reauthentication", distinct from generic
	// failure so the caller can prompt a reconnect.
	ErrAuthExpired = errors.New("reautenticação necessária")

	// ErrRateLimited: provider returned 429. Fatal for the current request but
	// retryable after a backoff.
	ErrRateLimited = errors.New("limite de requisições do provedor atingido")
)

// ValidationError marks a malformed request field. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campo %q inválido: %s", e.Field, e.Reason)
}

// RecordError is a per-order failure (transform or upsert) collected during a
// batch. It never aborts the batch.
type RecordError struct {
	PedidoID string `json:"pedido_id"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("pedido %s (%s): %s", e.PedidoID, e.Stage, e.Message)
}
