package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/ride-wallet/internal/dispatch"
	"github.com/example/ride-wallet/internal/geocode"
	"github.com/example/ride-wallet/internal/ledger"
	"github.com/example/ride-wallet/internal/locate"
	"github.com/example/ride-wallet/internal/models"
	"github.com/example/ride-wallet/internal/payments"
)

// Locator is the device-position collaborator used to fill in pickups.
type Locator interface {
	locate.Provider
	Report(ctx context.Context, deviceID string, c models.Coordinate) error
	SetPermission(ctx context.Context, deviceID string, granted bool) error
}

type Deps struct {
	Ledger    *ledger.Ledger
	Funder    *payments.Funder
	Locator   Locator
	Geocoder  geocode.Resolver
	WSReg     *dispatch.WSRegistry
	RatePerKm decimal.Decimal
	Currency  string
	Logger    *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides", s.handleListRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id:[0-9]+}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id:[0-9]+}/pay", s.handlePayRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallet", s.handleWallet).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallet/fund", s.handleFund).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallet/transactions", s.handleTransactions).Methods("GET")
	s.mux.HandleFunc("/api/v1/profile", s.handleGetProfile).Methods("GET")
	s.mux.HandleFunc("/api/v1/profile", s.handlePutProfile).Methods("PUT")
	s.mux.HandleFunc("/internal/devices/{device_id}/location", s.handleDeviceLocation).Methods("POST")
	s.mux.HandleFunc("/internal/devices/{device_id}/permission", s.handleDevicePermission).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	Pickup      *models.Coordinate `json:"pickup"`
	Destination *models.Coordinate `json:"destination"`
	DeviceID    string             `json:"device_id"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Destination == nil {
		writeError(w, http.StatusBadRequest, "set a destination first")
		return
	}
	var pickup models.Coordinate
	switch {
	case body.Pickup != nil:
		pickup = *body.Pickup
	case body.DeviceID != "" && s.Locator != nil:
		c, err := s.Locator.Current(r.Context(), body.DeviceID)
		if err != nil {
			s.fail(w, err)
			return
		}
		pickup = c
	default:
		writeError(w, http.StatusBadRequest, "pickup or device_id is required")
		return
	}

	addr := geocode.Describe(r.Context(), s.Geocoder, *body.Destination)
	req, err := s.Ledger.CreateRideRequest(r.Context(), pickup, *body.Destination, addr, s.RatePerKm)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Ledger.ListRequests())
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(r)
	if !ok {
		s.fail(w, ledger.ErrRequestNotFound)
		return
	}
	req, err := s.Ledger.Request(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePayRide(w http.ResponseWriter, r *http.Request) {
	id, ok := rideID(r)
	if !ok {
		s.fail(w, ledger.ErrRequestNotFound)
		return
	}
	res, err := s.Ledger.PayForRequest(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// rideID parses the {id} path segment. The route pattern only admits
// digits, so a failure here means the value overflows int64.
func rideID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet := s.Ledger.Wallet()
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":     wallet.Balance,
		"total_spent": wallet.TotalSpent,
		"currency":    s.Currency,
	})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var form payments.CardForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := s.Funder.Fund(r.Context(), form)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": txn, "balance": s.Ledger.Wallet().Balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.Ledger.ListTransactions(limit))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Ledger.Profile())
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Ledger.SetProfile(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeviceLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coordinate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Locator == nil {
		writeError(w, http.StatusServiceUnavailable, "location service disabled")
		return
	}
	if err := s.Locator.Report(r.Context(), mux.Vars(r)["device_id"], c); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevicePermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Granted bool `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Locator == nil {
		writeError(w, http.StatusServiceUnavailable, "location service disabled")
		return
	}
	if err := s.Locator.SetPermission(r.Context(), mux.Vars(r)["device_id"], body.Granted); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WSReg == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := s.WSReg.Add(conn)
	// the client never sends; reading only detects the close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(id)
				return
			}
		}
	}()
}

// fail maps ledger and collaborator errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidCoordinate), errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, payments.ErrInvalidCard):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyPaid):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, payments.ErrDeclined):
		status = http.StatusPaymentRequired
	case errors.Is(err, locate.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, locate.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "status", status)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
