// Package auth resolves caller identity and performs authorization checks.
//
// The engine never accepts a caller-supplied account identifier for
// "who am I" purposes: the verified identity comes from the bearer token
// alone, is resolved once per request, and is trusted only for the
// remainder of that request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/store"
)

var (
	// ErrUnauthenticated is returned when no verified caller is present.
	ErrUnauthenticated = errors.New("auth: authentication required")

	// ErrForbidden is returned when the caller may not act on a resource.
	ErrForbidden = errors.New("auth: authorization denied")
)

// Identity is a verified caller.
type Identity struct {
	AccountID   string
	DisplayName string
}

// Verifier resolves a bearer token to a verified identity. The identity
// collaborator is external; JWTVerifier is the bundled implementation.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HS256-signed tokens. The subject claim carries the
// account ID; an optional "name" claim carries the display name.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given HMAC secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrUnauthenticated
	}

	name, _ := claims["name"].(string)
	return Identity{AccountID: sub, DisplayName: name}, nil
}

// Authorize is the explicit first-class authorization check performed at
// the top of mutating operations that act on owned resources. Admins may
// act on anything; otherwise the caller must own the resource.
func Authorize(caller *model.Account, ownerID string) error {
	if caller == nil {
		return ErrUnauthenticated
	}
	if caller.IsAdmin || caller.ID == ownerID {
		return nil
	}
	return ErrForbidden
}

// --- Request context plumbing ---

type contextKey struct{}

// CallerFrom returns the verified caller account stashed by Middleware.
func CallerFrom(ctx context.Context) (*model.Account, error) {
	account, ok := ctx.Value(contextKey{}).(*model.Account)
	if !ok || account == nil {
		return nil, ErrUnauthenticated
	}
	return account, nil
}

// WithCaller returns a context carrying the verified caller. Exported for
// tests.
func WithCaller(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, contextKey{}, account)
}

// Middleware extracts the bearer token, resolves the caller through the
// verifier, and loads (or creates, with the starting balance) the caller's
// account row. Requests without a verifiable identity get 401.
func Middleware(verifier Verifier, st store.Store, startingBalance decimal.Decimal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			account, err := ensureAccount(r.Context(), st, identity, startingBalance)
			if err != nil {
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), account)))
		})
	}
}

// ensureAccount loads the caller's account, creating it with the starting
// balance on first sight.
func ensureAccount(ctx context.Context, st store.Store, identity Identity, startingBalance decimal.Decimal) (*model.Account, error) {
	account, err := st.GetAccount(ctx, identity.AccountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created := &model.Account{
		ID:          identity.AccountID,
		DisplayName: identity.DisplayName,
		Balance:     startingBalance,
		CreatedAt:   time.Now().UTC(),
	}
	err = st.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateAccount(ctx, created)
	})
	if err != nil {
		// Lost a creation race: re-read.
		if existing, readErr := st.GetAccount(ctx, identity.AccountID); readErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return created, nil
}
