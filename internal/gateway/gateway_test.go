package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/fundsched/internal/balance"
	"github.com/terminal-bench/fundsched/internal/scheduler"
	"github.com/terminal-bench/fundsched/pkg/messaging"
)

const testSecret = "test-secret"

func newTestGateway(balances map[scheduler.AccountID]uint64) *Gateway {
	gin.SetMode(gin.TestMode)
	sched := scheduler.New(balance.Seed(balances), 0, nil)
	return NewGateway(Config{JWTSecret: testSecret, RateLimitMax: 10000, RateLimitWindow: time.Minute}, sched, nil)
}

func signToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, g *Gateway, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(nil)

	w := doJSON(t, g, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	g := newTestGateway(nil)

	t.Run("should reject a missing token", func(t *testing.T) {
		w := doJSON(t, g, http.MethodPost, "/api/v1/withdraws", "", SubmitWithdrawsRequest{Version: 1})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject a token signed with the wrong key", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
		bad, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)

		w := doJSON(t, g, http.MethodPost, "/api/v1/withdraws", bad, SubmitWithdrawsRequest{Version: 1})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSubmitWithdraws(t *testing.T) {
	t.Run("should report immediate grants", func(t *testing.T) {
		g := newTestGateway(map[scheduler.AccountID]uint64{"A": 100})
		token := signToken(t)

		txID := uuid.New()
		w := doJSON(t, g, http.MethodPost, "/api/v1/withdraws", token, SubmitWithdrawsRequest{
			Version: 1,
			Withdraws: []messaging.WithdrawRequest{{
				TxID: txID,
				Reservations: []messaging.ReservationRequest{
					{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 50},
				},
			}},
		})

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Results []WithdrawResult `json:"results"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 1)
		assert.Equal(t, txID, resp.Results[0].TxID)
		assert.Equal(t, "sufficient_balance", resp.Results[0].Status)
	})

	t.Run("should report pending for an uncovered withdraw", func(t *testing.T) {
		g := newTestGateway(map[scheduler.AccountID]uint64{"A": 10})
		token := signToken(t)

		w := doJSON(t, g, http.MethodPost, "/api/v1/withdraws", token, SubmitWithdrawsRequest{
			Version: 1,
			Withdraws: []messaging.WithdrawRequest{{
				TxID: uuid.New(),
				Reservations: []messaging.ReservationRequest{
					{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 500},
				},
			}},
		})

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Results []WithdrawResult `json:"results"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "pending", resp.Results[0].Status)
	})

	t.Run("should reject malformed reservations", func(t *testing.T) {
		g := newTestGateway(nil)
		token := signToken(t)

		w := doJSON(t, g, http.MethodPost, "/api/v1/withdraws", token, SubmitWithdrawsRequest{
			Version: 1,
			Withdraws: []messaging.WithdrawRequest{{
				TxID: uuid.New(),
				Reservations: []messaging.ReservationRequest{
					{Account: "A", Kind: "bogus"},
				},
			}},
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSubmitSettlement(t *testing.T) {
	g := newTestGateway(map[scheduler.AccountID]uint64{"A": 10})
	token := signToken(t)

	// Park a withdraw, settle with a covering deposit, then verify the
	// batch replays as already executed.
	doJSON(t, g, http.MethodPost, "/api/v1/withdraws", token, SubmitWithdrawsRequest{
		Version: 1,
		Withdraws: []messaging.WithdrawRequest{{
			TxID: uuid.New(),
			Reservations: []messaging.ReservationRequest{
				{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 500},
			},
		}},
	})

	w := doJSON(t, g, http.MethodPost, "/api/v1/settlements", token, SubmitSettlementRequest{
		Version: 1,
		Deltas:  map[string]int64{"A": 1000},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, g, http.MethodPost, "/api/v1/withdraws", token, SubmitWithdrawsRequest{
		Version: 1,
		Withdraws: []messaging.WithdrawRequest{{
			TxID: uuid.New(),
			Reservations: []messaging.ReservationRequest{
				{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 1},
			},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []WithdrawResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "already_executed", resp.Results[0].Status)
}

func TestGetAccount(t *testing.T) {
	g := newTestGateway(map[scheduler.AccountID]uint64{"A": 100})
	token := signToken(t)

	t.Run("should 404 for an untracked account", func(t *testing.T) {
		w := doJSON(t, g, http.MethodGet, "/api/v1/accounts/A", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("should return the snapshot of a tracked account", func(t *testing.T) {
		doJSON(t, g, http.MethodPost, "/api/v1/withdraws", token, SubmitWithdrawsRequest{
			Version: 1,
			Withdraws: []messaging.WithdrawRequest{{
				TxID: uuid.New(),
				Reservations: []messaging.ReservationRequest{
					{Account: "A", Kind: messaging.ReservationKindCapped, Amount: 30},
				},
			}},
		})

		w := doJSON(t, g, http.MethodGet, "/api/v1/accounts/A", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var snap scheduler.AccountSnapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		assert.Equal(t, uint64(100), snap.SettledBalance)
		assert.Equal(t, uint64(30), snap.Reserved)
	})
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    3,
		window:   time.Minute,
	}

	assert.True(t, rl.Allow("ip"))
	assert.True(t, rl.Allow("ip"))
	assert.True(t, rl.Allow("ip"))
	assert.False(t, rl.Allow("ip"))
	assert.True(t, rl.Allow("other-ip"))
}
