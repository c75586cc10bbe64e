package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/domain/auth"
)

// APIKeyHeader carries the operator's API key.
const APIKeyHeader = "api_key"

// SecurityHandler authenticates operators via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// HashKey returns the hex HMAC-SHA256 of key under pepper, as stored in
// api_keys.key_hash.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware rejects requests without a valid key and stores the operator
// identity in the request context.
func (s *SecurityHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authenticate(r)
		if err != nil {
			zctx.From(r.Context()).Debug("Rejected request", zap.Error(err))
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
			return
		}
		ctx := auth.WithOperator(r.Context(), info)
		ctx = zctx.With(ctx, zap.String("operator_id", info.OperatorID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *SecurityHandler) authenticate(r *http.Request) (*auth.APIKeyInfo, error) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return nil, errors.Wrap(auth.ErrUnauthorized, "missing api key")
	}

	hash := HashKey(s.pepper, key)
	info, err := s.apikeys.FindByHash(r.Context(), hash)
	if err != nil {
		return nil, errors.Wrap(err, "lookup api key")
	}

	// The stored hash could differ from the computed one if the repository
	// returns a stale or wrong row.
	computed, _ := hex.DecodeString(hash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, errors.Wrap(auth.ErrUnauthorized, "stored hash")
	}
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, errors.Wrap(auth.ErrUnauthorized, "hash mismatch")
	}
	if info.OperatorID == "" {
		return nil, errors.Wrap(auth.ErrUnauthorized, "key has no operator")
	}
	return info, nil
}
