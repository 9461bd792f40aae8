package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
	"PeerLend/internal/oracle"
	"PeerLend/internal/pool"
	"PeerLend/internal/query"
)

// routes implements the JSON API on a gateway mux. Amounts cross the
// wire as decimal strings; they routinely exceed both int64 and the
// float64 mantissa.
type routes struct {
	orch  *core.Orchestrator
	query *query.Service
}

func (rt *routes) register(mux *runtime.ServeMux) error {
	type route struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}
	for _, r := range []route{
		{"POST", "/v1/supply", rt.supply},
		{"POST", "/v1/borrow", rt.borrow},
		{"POST", "/v1/withdraw", rt.withdraw},
		{"POST", "/v1/repay", rt.repay},
		{"POST", "/v1/liquidate", rt.liquidate},

		{"POST", "/v1/markets", rt.createMarket},
		{"POST", "/v1/markets/{symbol}/reserve-factor", rt.setReserveFactor},
		{"POST", "/v1/markets/{symbol}/cursor", rt.setCursor},
		{"POST", "/v1/markets/{symbol}/pause", rt.setPause},

		{"GET", "/v1/markets", rt.listMarkets},
		{"GET", "/v1/markets/{symbol}", rt.getMarket},
		{"GET", "/v1/users/{user}/markets/{symbol}/balance", rt.getBalance},
		{"GET", "/v1/users/{user}/account", rt.getAccount},
		{"GET", "/v1/history", rt.history},
	} {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// --- operation handlers ---

type operationRequest struct {
	RequestID string `json:"request_id"`
	User      string `json:"user"`
	Market    string `json:"market"`
	Amount    string `json:"amount"`

	// Receiver applies to withdraw only; empty means the user.
	Receiver string `json:"receiver,omitempty"`
	// OnBehalf applies to repay only; empty means the payer.
	OnBehalf string `json:"on_behalf,omitempty"`
}

type operationResponse struct {
	User   string `json:"user"`
	Market string `json:"market"`
	Amount string `json:"amount"`
	P2P    string `json:"p2p"`
	Pool   string `json:"pool"`
	Block  uint64 `json:"block"`
}

func resultJSON(res *core.Result) operationResponse {
	return operationResponse{
		User:   res.User.String(),
		Market: res.Market,
		Amount: res.Amount.String(),
		P2P:    res.P2P.String(),
		Pool:   res.Pool.String(),
		Block:  res.Block,
	}
}

func (rt *routes) supply(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, user, amount, ok := rt.decodeOperation(w, r)
	if !ok {
		return
	}
	res, err := rt.orch.Supply(req.RequestID, user, req.Market, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON(res))
}

func (rt *routes) borrow(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, user, amount, ok := rt.decodeOperation(w, r)
	if !ok {
		return
	}
	res, err := rt.orch.Borrow(req.RequestID, user, req.Market, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON(res))
}

func (rt *routes) withdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, user, amount, ok := rt.decodeOperation(w, r)
	if !ok {
		return
	}
	receiver := user
	if req.Receiver != "" {
		var err error
		if receiver, err = uuid.Parse(req.Receiver); err != nil {
			writeBadRequest(w, "invalid receiver: %v", err)
			return
		}
	}
	res, err := rt.orch.Withdraw(req.RequestID, user, req.Market, amount, receiver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON(res))
}

func (rt *routes) repay(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, payer, amount, ok := rt.decodeOperation(w, r)
	if !ok {
		return
	}
	onBehalf := payer
	if req.OnBehalf != "" {
		var err error
		if onBehalf, err = uuid.Parse(req.OnBehalf); err != nil {
			writeBadRequest(w, "invalid on_behalf: %v", err)
			return
		}
	}
	res, err := rt.orch.Repay(req.RequestID, payer, onBehalf, req.Market, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON(res))
}

type liquidateRequest struct {
	RequestID        string `json:"request_id"`
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	BorrowedMarket   string `json:"borrowed_market"`
	CollateralMarket string `json:"collateral_market"`
	Amount           string `json:"amount"`
}

type liquidateResponse struct {
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	BorrowedMarket   string `json:"borrowed_market"`
	CollateralMarket string `json:"collateral_market"`
	Repaid           string `json:"repaid"`
	Seized           string `json:"seized"`
	Block            uint64 `json:"block"`
}

func (rt *routes) liquidate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body: %v", err)
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		writeBadRequest(w, "invalid liquidator: %v", err)
		return
	}
	borrower, err := uuid.Parse(req.Borrower)
	if err != nil {
		writeBadRequest(w, "invalid borrower: %v", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, "invalid amount: %v", err)
		return
	}
	res, err := rt.orch.Liquidate(req.RequestID, liquidator, borrower, req.BorrowedMarket, req.CollateralMarket, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidateResponse{
		Liquidator:       res.Liquidator.String(),
		Borrower:         res.Borrower.String(),
		BorrowedMarket:   res.BorrowedMarket,
		CollateralMarket: res.CollateralMarket,
		Repaid:           res.Repaid.String(),
		Seized:           res.Seized.String(),
		Block:            res.Block,
	})
}

// --- governance handlers ---

type createMarketRequest struct {
	Symbol            string `json:"symbol"`
	ReserveFactorBps  uint32 `json:"reserve_factor_bps"`
	P2PIndexCursorBps uint32 `json:"p2p_index_cursor_bps"`
}

func (rt *routes) createMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body: %v", err)
		return
	}
	if req.Symbol == "" {
		writeBadRequest(w, "symbol is required")
		return
	}
	if err := rt.orch.CreateMarket(req.Symbol, req.ReserveFactorBps, req.P2PIndexCursorBps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": req.Symbol})
}

type bpsRequest struct {
	Bps uint32 `json:"bps"`
}

func (rt *routes) setReserveFactor(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req bpsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body: %v", err)
		return
	}
	if err := rt.orch.SetReserveFactor(pathParams["symbol"], req.Bps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"bps": req.Bps})
}

func (rt *routes) setCursor(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req bpsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body: %v", err)
		return
	}
	if err := rt.orch.SetP2PIndexCursor(pathParams["symbol"], req.Bps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"bps": req.Bps})
}

type pauseRequest struct {
	SupplyPaused    bool `json:"supply_paused"`
	BorrowPaused    bool `json:"borrow_paused"`
	WithdrawPaused  bool `json:"withdraw_paused"`
	RepayPaused     bool `json:"repay_paused"`
	LiquidatePaused bool `json:"liquidate_paused"`
	Deprecated      bool `json:"deprecated"`
}

func (rt *routes) setPause(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body: %v", err)
		return
	}
	pause := market.PauseStatus{
		SupplyPaused:    req.SupplyPaused,
		BorrowPaused:    req.BorrowPaused,
		WithdrawPaused:  req.WithdrawPaused,
		RepayPaused:     req.RepayPaused,
		LiquidatePaused: req.LiquidatePaused,
		Deprecated:      req.Deprecated,
	}
	if err := rt.orch.SetPauseStatus(pathParams["symbol"], pause); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- query handlers ---

func (rt *routes) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := rt.query.ListMarkets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": resp})
}

func (rt *routes) getMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := rt.query.GetMarket(r.Context(), pathParams["symbol"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *routes) getBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	user, err := uuid.Parse(pathParams["user"])
	if err != nil {
		writeBadRequest(w, "invalid user: %v", err)
		return
	}
	resp, err := rt.query.GetBalance(r.Context(), user, pathParams["symbol"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *routes) getAccount(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	user, err := uuid.Parse(pathParams["user"])
	if err != nil {
		writeBadRequest(w, "invalid user: %v", err)
		return
	}
	resp, err := rt.query.GetAccount(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *routes) history(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()

	var user *uuid.UUID
	if v := q.Get("user"); v != "" {
		u, err := uuid.Parse(v)
		if err != nil {
			writeBadRequest(w, "invalid user: %v", err)
			return
		}
		user = &u
	}
	var symbol *string
	if v := q.Get("market"); v != "" {
		symbol = &v
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "invalid limit: %v", err)
			return
		}
		limit = n
	}
	var before *int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeBadRequest(w, "invalid before: %v", err)
			return
		}
		before = &n
	}

	records, err := rt.query.History(r.Context(), user, symbol, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

// --- helpers ---

func (rt *routes) decodeOperation(w http.ResponseWriter, r *http.Request) (operationRequest, uuid.UUID, *big.Int, bool) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body: %v", err)
		return req, uuid.Nil, nil, false
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeBadRequest(w, "invalid user: %v", err)
		return req, uuid.Nil, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, "invalid amount: %v", err)
		return req, uuid.Nil, nil, false
	}
	return req, user, amount, true
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// httpStatus maps domain rejections onto HTTP codes: caller mistakes to
// 400/404/409/422, everything else to 500.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrZeroAmount), errors.Is(err, core.ErrAmountTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrMarketNotCreated),
		errors.Is(err, query.ErrMarketNotFound),
		errors.Is(err, pool.ErrNotListed):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, core.ErrMarketPaused),
		errors.Is(err, core.ErrBorrowOnDeprecatedMarket),
		errors.Is(err, core.ErrUnauthorizedBorrow),
		errors.Is(err, core.ErrUnauthorizedWithdraw),
		errors.Is(err, core.ErrBorrowerHealthy),
		errors.Is(err, core.ErrSeizeAboveCollateral):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, query.ErrHistoryUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
