package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/auth"
	"github.com/moonbet/market-engine/internal/model"
	"github.com/moonbet/market-engine/internal/store"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject, name string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if name != "" {
		claims["name"] = name
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := auth.NewJWTVerifier(testSecret)

	identity, err := v.Verify(context.Background(), signToken(t, testSecret, "acct1", "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.AccountID != "acct1" || identity.DisplayName != "alice" {
		t.Errorf("unexpected identity: %+v", identity)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v := auth.NewJWTVerifier(testSecret)

	_, err := v.Verify(context.Background(), signToken(t, "other-secret", "acct1", ""))
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v := auth.NewJWTVerifier(testSecret)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := v.Verify(context.Background(), token); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestJWTVerifier_Garbage(t *testing.T) {
	v := auth.NewJWTVerifier(testSecret)

	if _, err := v.Verify(context.Background(), "not-a-token"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	owner := &model.Account{ID: "owner"}
	stranger := &model.Account{ID: "stranger"}
	admin := &model.Account{ID: "admin", IsAdmin: true}

	if err := auth.Authorize(owner, "owner"); err != nil {
		t.Errorf("owner should be authorized: %v", err)
	}
	if err := auth.Authorize(admin, "owner"); err != nil {
		t.Errorf("admin should be authorized: %v", err)
	}
	if err := auth.Authorize(stranger, "owner"); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := auth.Authorize(nil, "owner"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestMiddleware_CreatesAccountOnFirstSight(t *testing.T) {
	ms := store.NewMemoryStore()
	verifier := auth.NewJWTVerifier(testSecret)
	starting := decimal.NewFromInt(1000)

	var seen *model.Account
	handler := auth.Middleware(verifier, ms, starting)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.CallerFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "newcomer", "bob"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.ID != "newcomer" {
		t.Fatalf("expected caller newcomer, got %+v", seen)
	}
	if !seen.Balance.Equal(starting) {
		t.Errorf("expected starting balance %s, got %s", starting, seen.Balance)
	}

	// The account persisted; a second request must not reset the balance.
	account, err := ms.GetAccount(context.Background(), "newcomer")
	if err != nil {
		t.Fatalf("account not persisted: %v", err)
	}
	if !account.Balance.Equal(starting) {
		t.Errorf("persisted balance = %s", account.Balance)
	}
}

func TestMiddleware_ExistingAccountKeepsBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.Atomic(context.Background(), func(tx store.Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{
			ID:        "regular",
			Balance:   decimal.NewFromInt(42),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	var seen *model.Account
	handler := auth.Middleware(auth.NewJWTVerifier(testSecret), ms, decimal.NewFromInt(1000))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = auth.CallerFrom(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "regular", ""))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen == nil || !seen.Balance.Equal(decimal.NewFromInt(42)) {
		t.Errorf("expected existing balance 42, got %+v", seen)
	}
}

func TestMiddleware_RejectsMissingOrBadToken(t *testing.T) {
	ms := store.NewMemoryStore()
	handler := auth.Middleware(auth.NewJWTVerifier(testSecret), ms, decimal.NewFromInt(1000))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run without a verified caller")
		}))

	for _, header := range []string{"", "Bearer garbage", "Basic dXNlcjpwYXNz"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestCallerFrom_MissingCaller(t *testing.T) {
	if _, err := auth.CallerFrom(context.Background()); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}
