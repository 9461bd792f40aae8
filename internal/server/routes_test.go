package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
	"PeerLend/internal/oracle"
	"PeerLend/internal/pool"
	"PeerLend/internal/query"
)

const (
	aliceID = "00000000-0000-0000-0000-0000000000a1"
	bobID   = "00000000-0000-0000-0000-0000000000b2"
)

func newTestMux(t *testing.T) *runtime.ServeMux {
	t.Helper()

	p := pool.NewSimulatedPool()
	if err := p.ListMarket("USDC", wad.FromUnits(100_000), wad.BpsMul(wad.Wad, 8000), pool.DefaultJumpRate()); err != nil {
		t.Fatalf("list USDC: %v", err)
	}
	if err := p.ListMarket("WETH", wad.FromUnits(100), wad.BpsMul(wad.Wad, 8000), pool.DefaultJumpRate()); err != nil {
		t.Fatalf("list WETH: %v", err)
	}

	orc := oracle.NewMemoryOracle()
	orc.SetPrice("USDC", wad.Clone(wad.Wad))
	orc.SetPrice("WETH", wad.FromUnits(2000))

	store := market.NewStore(market.Params{
		MaxSortedUsers: 8,
		DustThreshold:  big.NewInt(1000),
	})
	o := core.NewOrchestrator(core.Config{
		Store:       store,
		Pool:        p,
		Oracle:      orc,
		Idempotency: core.NewIdempotencyChecker(64, nil),
		Logger:      zerolog.Nop(),
	})
	if err := o.CreateMarket("USDC", 1000, 5000); err != nil {
		t.Fatalf("create USDC: %v", err)
	}
	if err := o.CreateMarket("WETH", 1000, 5000); err != nil {
		t.Fatalf("create WETH: %v", err)
	}

	qs := query.NewService(query.Config{
		Store:    store,
		Pool:     p,
		Oracle:   orc,
		Sequence: o.Sequence,
		Logger:   zerolog.Nop(),
	})

	mux := runtime.NewServeMux()
	rt := &routes{orch: o, query: qs}
	if err := rt.register(mux); err != nil {
		t.Fatalf("register: %v", err)
	}
	return mux
}

func doJSON(t *testing.T, mux *runtime.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestSupplyRoute(t *testing.T) {
	mux := newTestMux(t)

	rec, body := doJSON(t, mux, "POST", "/v1/supply",
		`{"user":"`+aliceID+`","market":"USDC","amount":"`+wad.FromUnits(1000).String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["pool"] != wad.FromUnits(1000).String() {
		t.Errorf("pool = %v, want %s", body["pool"], wad.FromUnits(1000))
	}
	if body["p2p"] != "0" {
		t.Errorf("p2p = %v, want 0", body["p2p"])
	}
}

func TestSupplyThenBorrowMatchesOverHTTP(t *testing.T) {
	mux := newTestMux(t)

	rec, body := doJSON(t, mux, "POST", "/v1/supply",
		`{"user":"`+aliceID+`","market":"USDC","amount":"`+wad.FromUnits(1000).String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("supply status = %d, body %v", rec.Code, body)
	}
	rec, body = doJSON(t, mux, "POST", "/v1/supply",
		`{"user":"`+bobID+`","market":"WETH","amount":"`+wad.FromUnits(1).String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("collateral status = %d, body %v", rec.Code, body)
	}

	rec, body = doJSON(t, mux, "POST", "/v1/borrow",
		`{"user":"`+bobID+`","market":"USDC","amount":"`+wad.FromUnits(600).String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("borrow status = %d, body %v", rec.Code, body)
	}
	if body["p2p"] != wad.FromUnits(600).String() {
		t.Errorf("p2p = %v, want %s", body["p2p"], wad.FromUnits(600))
	}

	rec, body = doJSON(t, mux, "GET", "/v1/users/"+aliceID+"/markets/USDC/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d, body %v", rec.Code, body)
	}
	if body["supply_in_p2p"] != wad.FromUnits(600).String() {
		t.Errorf("supply_in_p2p = %v, want %s", body["supply_in_p2p"], wad.FromUnits(600))
	}
}

func TestBorrowWithoutCollateralRejected(t *testing.T) {
	mux := newTestMux(t)

	rec, body := doJSON(t, mux, "POST", "/v1/borrow",
		`{"user":"`+bobID+`","market":"USDC","amount":"`+wad.FromUnits(100).String()+`"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
}

func TestUnknownMarketIs404(t *testing.T) {
	mux := newTestMux(t)

	rec, _ := doJSON(t, mux, "POST", "/v1/supply",
		`{"user":"`+aliceID+`","market":"DOGE","amount":"100"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("supply status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, mux, "GET", "/v1/markets/DOGE", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get market status = %d, want 404", rec.Code)
	}
}

func TestBadAmountIs400(t *testing.T) {
	mux := newTestMux(t)

	for _, amount := range []string{"", "abc", "-5", "1.5"} {
		rec, _ := doJSON(t, mux, "POST", "/v1/supply",
			`{"user":"`+aliceID+`","market":"USDC","amount":"`+amount+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("amount %q: status = %d, want 400", amount, rec.Code)
		}
	}
}

func TestDuplicateRequestIs409(t *testing.T) {
	mux := newTestMux(t)

	payload := `{"request_id":"req-1","user":"` + aliceID + `","market":"USDC","amount":"` + wad.FromUnits(100).String() + `"}`
	rec, body := doJSON(t, mux, "POST", "/v1/supply", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, body %v", rec.Code, body)
	}
	rec, _ = doJSON(t, mux, "POST", "/v1/supply", payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", rec.Code)
	}
}

func TestPauseRouteBlocksOperation(t *testing.T) {
	mux := newTestMux(t)

	rec, body := doJSON(t, mux, "POST", "/v1/markets/USDC/pause", `{"supply_paused":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body %v", rec.Code, body)
	}

	rec, _ = doJSON(t, mux, "POST", "/v1/supply",
		`{"user":"`+aliceID+`","market":"USDC","amount":"100"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("supply status = %d, want 422", rec.Code)
	}

	rec, body = doJSON(t, mux, "GET", "/v1/markets/USDC", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get market status = %d", rec.Code)
	}
	if body["supply_paused"] != true {
		t.Errorf("supply_paused = %v, want true", body["supply_paused"])
	}
}

func TestListMarketsRoute(t *testing.T) {
	mux := newTestMux(t)

	rec, body := doJSON(t, mux, "GET", "/v1/markets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	markets, ok := body["markets"].([]interface{})
	if !ok || len(markets) != 2 {
		t.Fatalf("markets = %v, want 2 entries", body["markets"])
	}
}

func TestHistoryWithoutDatabaseIs501(t *testing.T) {
	mux := newTestMux(t)

	rec, _ := doJSON(t, mux, "GET", "/v1/history", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}
