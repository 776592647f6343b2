package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-wallet/internal/dispatch"
	"github.com/example/ride-wallet/internal/ingest"
	"github.com/example/ride-wallet/internal/ledger"
	"github.com/example/ride-wallet/internal/locate"
	"github.com/example/ride-wallet/internal/logging"
	"github.com/example/ride-wallet/internal/models"
	"github.com/example/ride-wallet/internal/payments"
	"github.com/example/ride-wallet/internal/storage"
)

type fixedResolver string

func (f fixedResolver) Reverse(context.Context, models.Coordinate) (string, error) {
	return string(f), nil
}

func newTestServer(t *testing.T, opening int64) (*Server, *locate.Static) {
	t.Helper()
	logger := logging.NewLogger("error", "test", io.Discard)
	reg := dispatch.NewWSRegistry(logger)
	l, err := ledger.Open(context.Background(), storage.NewMemoryStore(), ledger.Options{
		OpeningBalance: decimal.NewFromInt(opening),
		Logger:         logger,
		Publisher:      ingest.Fanout{reg},
	})
	require.NoError(t, err)
	loc := locate.NewStatic()
	s := NewServer(Deps{
		Ledger:    l,
		Funder:    &payments.Funder{Gateway: &payments.Simulated{}, Wallet: l, Currency: "NGN", Logger: logger},
		Locator:   loc,
		Geocoder:  fixedResolver("Herbert Macaulay Way, Yaba"),
		WSReg:     reg,
		RatePerKm: decimal.NewFromInt(78),
		Currency:  "NGN",
		Logger:    logger,
	})
	return s, loc
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

var (
	ikeja = models.Coordinate{Latitude: 6.5244, Longitude: 3.3792}
	yaba  = models.Coordinate{Latitude: 6.4550, Longitude: 3.3841}
)

func TestCreateAndPayRide(t *testing.T) {
	s, _ := newTestServer(t, 1000)

	rr := do(t, s, "POST", "/api/v1/rides", map[string]any{"pickup": ikeja, "destination": yaba})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var req models.RideRequest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &req))
	assert.Equal(t, int64(1), req.ID)
	assert.Equal(t, models.RidePending, req.Status)
	assert.Equal(t, "Herbert Macaulay Way, Yaba", req.DestinationAddress)
	assert.True(t, req.Cost.Equal(ledger.Price(req.DistanceMeters, decimal.NewFromInt(78))))

	rr = do(t, s, "POST", "/api/v1/rides/1/pay", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res models.SettlementResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(1000).Sub(req.Cost)))
	assert.Equal(t, models.RidePaid, res.Request.Status)

	rr = do(t, s, "POST", "/api/v1/rides/1/pay", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, s, "GET", "/api/v1/rides/1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, s, "GET", "/api/v1/rides/9", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, s, "POST", "/api/v1/rides/9/pay", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, "GET", "/api/v1/rides", nil)
	var all []models.RideRequest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestRideIDOverflowIsNotFound(t *testing.T) {
	s, _ := newTestServer(t, 1000)
	require.Equal(t, http.StatusCreated, do(t, s, "POST", "/api/v1/rides", map[string]any{"pickup": ikeja, "destination": yaba}).Code)

	// ParseInt saturates to MaxInt64 on overflow; that must not be looked up or paid
	const huge = "99999999999999999999"
	assert.Equal(t, http.StatusNotFound, do(t, s, "GET", "/api/v1/rides/"+huge, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, "POST", "/api/v1/rides/"+huge+"/pay", nil).Code)

	rr := do(t, s, "GET", "/api/v1/rides/1", nil)
	assert.Contains(t, rr.Body.String(), `"status":"pending"`)
}

func TestPayWithoutFunds(t *testing.T) {
	s, _ := newTestServer(t, 0)
	require.Equal(t, http.StatusCreated, do(t, s, "POST", "/api/v1/rides", map[string]any{"pickup": ikeja, "destination": yaba}).Code)

	rr := do(t, s, "POST", "/api/v1/rides/1/pay", nil)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Contains(t, rr.Body.String(), "insufficient")

	rr = do(t, s, "GET", "/api/v1/rides/1", nil)
	assert.Contains(t, rr.Body.String(), `"status":"pending"`)
}

func TestCreateRideValidation(t *testing.T) {
	s, _ := newTestServer(t, 0)

	rr := do(t, s, "POST", "/api/v1/rides", map[string]any{"pickup": ikeja})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, "POST", "/api/v1/rides", map[string]any{"pickup": ikeja, "destination": models.Coordinate{Latitude: 91}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, "POST", "/api/v1/rides", map[string]any{"destination": yaba})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest("POST", "/api/v1/rides", strings.NewReader("{"))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRideFromDeviceLocation(t *testing.T) {
	s, _ := newTestServer(t, 0)
	body := map[string]any{"device_id": "phone-1", "destination": yaba}

	rr := do(t, s, "POST", "/api/v1/rides", body)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	require.Equal(t, http.StatusNoContent, do(t, s, "POST", "/internal/devices/phone-1/permission", map[string]bool{"granted": true}).Code)
	rr = do(t, s, "POST", "/api/v1/rides", body)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	require.Equal(t, http.StatusNoContent, do(t, s, "POST", "/internal/devices/phone-1/location", ikeja).Code)
	rr = do(t, s, "POST", "/api/v1/rides", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var req models.RideRequest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &req))
	assert.Equal(t, ikeja, req.Pickup)
}

func TestFundWallet(t *testing.T) {
	s, _ := newTestServer(t, 0)

	rr := do(t, s, "POST", "/api/v1/wallet/fund", payments.CardForm{CardNumber: "12345678901", Expiry: "1228", CVV: "123", Amount: "2500"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, s, "GET", "/api/v1/wallet", nil)
	var wallet struct {
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &wallet))
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, "NGN", wallet.Currency)

	rr = do(t, s, "POST", "/api/v1/wallet/fund", payments.CardForm{CardNumber: "123", Expiry: "1228", CVV: "123", Amount: "10"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, "GET", "/api/v1/wallet/transactions", nil)
	var txns []models.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &txns))
	require.Len(t, txns, 1)
	assert.Equal(t, "Account Credit", txns[0].Label)
}

func TestTransactionsLimit(t *testing.T) {
	s, _ := newTestServer(t, 0)
	for _, amt := range []string{"10", "20", "30"} {
		require.Equal(t, http.StatusCreated, do(t, s, "POST", "/api/v1/wallet/fund", payments.CardForm{CardNumber: "12345678901", Expiry: "1228", CVV: "123", Amount: amt}).Code)
	}
	rr := do(t, s, "GET", "/api/v1/wallet/transactions?limit=2", nil)
	var txns []models.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &txns))
	require.Len(t, txns, 2)
	assert.Equal(t, int64(2), txns[0].ID)
	assert.Equal(t, int64(3), txns[1].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, "GET", "/api/v1/wallet/transactions?limit=-1", nil).Code)
}

func TestProfile(t *testing.T) {
	s, _ := newTestServer(t, 0)
	rr := do(t, s, "PUT", "/api/v1/profile", models.Profile{Name: "Ada", Email: "ada@example.com"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, "GET", "/api/v1/profile", nil)
	var p models.Profile
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, "Ada", p.Name)
}

func TestHealthAndRequestIDEcho(t *testing.T) {
	s, _ := newTestServer(t, 0)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

func TestWebsocketReceivesEvents(t *testing.T) {
	s, _ := newTestServer(t, 500)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.WSReg.Len() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/v1/rides", "application/json",
		strings.NewReader(`{"pickup":{"latitude":6.5244,"longitude":3.3792},"destination":{"latitude":6.455,"longitude":3.3841}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e models.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, models.EventRideRequested, e.Type)
	require.NotNil(t, e.Request)
	assert.Equal(t, int64(1), e.Request.ID)
}
