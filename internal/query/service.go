package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
	"PeerLend/internal/observability"
	"PeerLend/internal/oracle"
	"PeerLend/internal/pool"
	"PeerLend/internal/rates"
)

var (
	// ErrMarketNotFound means the requested market was never created.
	ErrMarketNotFound = errors.New("query: market not found")

	// ErrHistoryUnavailable means the service runs without an
	// operation-log database.
	ErrHistoryUnavailable = errors.New("query: operation log not configured")
)

// Service serves read-only views of the ledger. Balance and market
// reads come from the in-memory store with indexes previewed to the
// current block, so they never mutate state and never race an
// operation's accrual. History reads come from the persisted operation
// log.
type Service struct {
	store  *market.Store
	pool   pool.Pool
	oracle oracle.Oracle
	db     *sql.DB

	// seq reports the next operation-log sequence; responses carry
	// seq-1 as their freshness watermark.
	seq func() int64

	metrics *observability.Metrics
	log     zerolog.Logger
}

// Config wires a Service. DB is optional; without it History returns
// ErrHistoryUnavailable.
type Config struct {
	Store    *market.Store
	Pool     pool.Pool
	Oracle   oracle.Oracle
	DB       *sql.DB
	Sequence func() int64
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

func NewService(cfg Config) *Service {
	seq := cfg.Sequence
	if seq == nil {
		seq = func() int64 { return 0 }
	}
	return &Service{
		store:   cfg.Store,
		pool:    cfg.Pool,
		oracle:  cfg.Oracle,
		db:      cfg.DB,
		seq:     seq,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// GetBalance returns one user's supply and borrow balances in one
// market, valued at the previewed P2P indexes and the pool's current
// indexes.
func (s *Service) GetBalance(ctx context.Context, user uuid.UUID, symbol string) (resp *BalanceResponse, err error) {
	defer s.observe("get_balance", time.Now())(&err)

	asOf := s.asOfSequence()
	s.store.View(func(tx *market.Tx) {
		m := tx.Market(symbol)
		if m == nil {
			err = fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
			return
		}

		idx, perr := rates.Preview(m, s.pool)
		if perr != nil {
			err = fmt.Errorf("preview %s: %w", symbol, perr)
			return
		}
		poolSupplyIdx, perr := s.pool.SupplyIndex(symbol)
		if perr != nil {
			err = fmt.Errorf("pool supply index %s: %w", symbol, perr)
			return
		}
		poolBorrowIdx, perr := s.pool.BorrowIndex(symbol)
		if perr != nil {
			err = fmt.Errorf("pool borrow index %s: %w", symbol, perr)
			return
		}

		supply := tx.SupplyPosition(user, symbol)
		borrow := tx.BorrowPosition(user, symbol)

		supplyOnPool := wad.WadMul(supply.OnPool, poolSupplyIdx)
		supplyInP2P := wad.WadMul(supply.InP2P, idx.P2PSupplyIndex)
		borrowOnPool := wad.WadMul(borrow.OnPool, poolBorrowIdx)
		borrowInP2P := wad.WadMul(borrow.InP2P, idx.P2PBorrowIndex)

		resp = &BalanceResponse{
			User:         user,
			Market:       symbol,
			SupplyOnPool: supplyOnPool.String(),
			SupplyInP2P:  supplyInP2P.String(),
			SupplyTotal:  new(big.Int).Add(supplyOnPool, supplyInP2P).String(),
			BorrowOnPool: borrowOnPool.String(),
			BorrowInP2P:  borrowInP2P.String(),
			BorrowTotal:  new(big.Int).Add(borrowOnPool, borrowInP2P).String(),
			AsOfSequence: asOf,
		}
	})
	return resp, err
}

// GetMarket returns one market's overlay state with indexes previewed
// to the current block.
func (s *Service) GetMarket(ctx context.Context, symbol string) (resp *MarketResponse, err error) {
	defer s.observe("get_market", time.Now())(&err)

	asOf := s.asOfSequence()
	s.store.View(func(tx *market.Tx) {
		resp, err = s.marketResponse(tx, symbol, asOf)
	})
	return resp, err
}

// ListMarkets returns every created market, sorted by symbol.
func (s *Service) ListMarkets(ctx context.Context) (resp []MarketResponse, err error) {
	defer s.observe("list_markets", time.Now())(&err)

	asOf := s.asOfSequence()
	symbols := s.store.MarketSymbols()
	s.store.View(func(tx *market.Tx) {
		for _, symbol := range symbols {
			m, merr := s.marketResponse(tx, symbol, asOf)
			if merr != nil {
				err = merr
				return
			}
			resp = append(resp, *m)
		}
	})
	return resp, err
}

// GetAccount returns a user's cross-market position valued at oracle
// prices, using the same collateral arithmetic the borrow and withdraw
// guards apply.
func (s *Service) GetAccount(ctx context.Context, user uuid.UUID) (resp *AccountResponse, err error) {
	defer s.observe("get_account", time.Now())(&err)

	asOf := s.asOfSequence()
	s.store.View(func(tx *market.Tx) {
		acct := &AccountResponse{
			User:         user,
			AsOfSequence: asOf,
		}
		collateral := new(big.Int)
		maxDebt := new(big.Int)
		debt := new(big.Int)

		for _, symbol := range tx.EnteredMarkets(user) {
			m := tx.Market(symbol)
			idx, perr := rates.Preview(m, s.pool)
			if perr != nil {
				err = fmt.Errorf("preview %s: %w", symbol, perr)
				return
			}
			poolSupplyIdx, perr := s.pool.SupplyIndex(symbol)
			if perr != nil {
				err = fmt.Errorf("pool supply index %s: %w", symbol, perr)
				return
			}
			poolBorrowIdx, perr := s.pool.BorrowIndex(symbol)
			if perr != nil {
				err = fmt.Errorf("pool borrow index %s: %w", symbol, perr)
				return
			}
			price, perr := s.oracle.Price(symbol)
			if perr != nil {
				err = fmt.Errorf("price %s: %w", symbol, perr)
				return
			}
			cf, perr := s.pool.CollateralFactor(symbol)
			if perr != nil {
				err = fmt.Errorf("collateral factor %s: %w", symbol, perr)
				return
			}

			supply := tx.SupplyPosition(user, symbol)
			borrow := tx.BorrowPosition(user, symbol)

			supplyTotal := wad.WadMul(supply.OnPool, poolSupplyIdx)
			supplyTotal.Add(supplyTotal, wad.WadMul(supply.InP2P, idx.P2PSupplyIndex))
			borrowTotal := wad.WadMul(borrow.OnPool, poolBorrowIdx)
			borrowTotal.Add(borrowTotal, wad.WadMul(borrow.InP2P, idx.P2PBorrowIndex))

			supplyValue := wad.WadMul(supplyTotal, price)
			borrowValue := wad.WadMul(borrowTotal, price)

			collateral.Add(collateral, supplyValue)
			maxDebt.Add(maxDebt, wad.WadMul(supplyValue, cf))
			debt.Add(debt, borrowValue)

			acct.Positions = append(acct.Positions, AccountPosition{
				Market:      symbol,
				SupplyTotal: supplyTotal.String(),
				BorrowTotal: borrowTotal.String(),
				SupplyValue: supplyValue.String(),
				BorrowValue: borrowValue.String(),
			})
		}

		acct.Collateral = collateral.String()
		acct.MaxDebt = maxDebt.String()
		acct.Debt = debt.String()
		acct.Healthy = debt.Cmp(maxDebt) <= 0
		resp = acct
	})
	return resp, err
}

// History pages backwards through the persisted operation log. Both
// filters are optional; beforeSequence is an exclusive cursor for the
// next page.
func (s *Service) History(ctx context.Context, user *uuid.UUID, symbol *string, limit int, beforeSequence *int64) (records []EventRecord, err error) {
	defer s.observe("history", time.Now())(&err)

	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `
		SELECT sequence, event_type, market, user_id, payload,
		       operation, request_id, timestamp
		FROM operation_log.events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if user != nil {
		q += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, *user)
		argIdx++
	}
	if symbol != nil {
		q += fmt.Sprintf(" AND market = $%d", argIdx)
		args = append(args, *symbol)
		argIdx++
	}
	if beforeSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r EventRecord
		var mkt sql.NullString
		var uid uuid.NullUUID
		var ts time.Time
		if err := rows.Scan(
			&r.Sequence, &r.EventType, &mkt, &uid, &r.Payload,
			&r.Operation, &r.RequestID, &ts,
		); err != nil {
			return nil, err
		}
		if mkt.Valid {
			r.Market = &mkt.String
		}
		if uid.Valid {
			u := uid.UUID
			r.User = &u
		}
		r.Timestamp = ts.UnixMicro()
		records = append(records, r)
	}
	return records, rows.Err()
}

// marketResponse builds the state view for one market. Callers hold a
// store view.
func (s *Service) marketResponse(tx *market.Tx, symbol string, asOf int64) (*MarketResponse, error) {
	m := tx.Market(symbol)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	idx, err := rates.Preview(m, s.pool)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", symbol, err)
	}
	poolSupplyIdx, err := s.pool.SupplyIndex(symbol)
	if err != nil {
		return nil, fmt.Errorf("pool supply index %s: %w", symbol, err)
	}
	poolBorrowIdx, err := s.pool.BorrowIndex(symbol)
	if err != nil {
		return nil, fmt.Errorf("pool borrow index %s: %w", symbol, err)
	}

	return &MarketResponse{
		Symbol:            symbol,
		P2PSupplyIndex:    idx.P2PSupplyIndex.String(),
		P2PBorrowIndex:    idx.P2PBorrowIndex.String(),
		PoolSupplyIndex:   poolSupplyIdx.String(),
		PoolBorrowIndex:   poolBorrowIdx.String(),
		ReserveFactorBps:  m.ReserveFactorBps,
		P2PIndexCursorBps: m.P2PIndexCursorBps,
		P2PSupplyDelta:    m.Delta.P2PSupplyDelta.String(),
		P2PBorrowDelta:    m.Delta.P2PBorrowDelta.String(),
		P2PSupplyAmount:   m.Delta.P2PSupplyAmount.String(),
		P2PBorrowAmount:   m.Delta.P2PBorrowAmount.String(),
		SupplyPaused:      m.Pause.SupplyPaused,
		BorrowPaused:      m.Pause.BorrowPaused,
		WithdrawPaused:    m.Pause.WithdrawPaused,
		RepayPaused:       m.Pause.RepayPaused,
		LiquidatePaused:   m.Pause.LiquidatePaused,
		Deprecated:        m.Pause.Deprecated,
		LastUpdateBlock:   m.LastUpdateBlock,
		Version:           m.Version,
		AsOfSequence:      asOf,
	}, nil
}

func (s *Service) asOfSequence() int64 {
	return s.seq() - 1
}

// observe returns the deferred half of the metrics hook so each endpoint
// records duration, status, and an error code in one line.
func (s *Service) observe(endpoint string, start time.Time) func(*error) {
	return func(errp *error) {
		if s.metrics == nil {
			return
		}
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		status := "ok"
		if *errp != nil {
			status = "error"
			s.metrics.QueryErrors.WithLabelValues(endpoint, errCode(*errp)).Inc()
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, ErrMarketNotFound):
		return "not_found"
	case errors.Is(err, ErrHistoryUnavailable):
		return "unavailable"
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return "no_price"
	default:
		return "internal"
	}
}
