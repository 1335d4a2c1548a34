package persist

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/csuduan/qtrader-sub001/internal/domain"
)

// Repo is the persistence writer: it performs trivial upserts per entity
// (spec §9 — plain prepared statements, no ORM). It is event-driven: the
// Trader subscribes it to ACCOUNT/POSITION/TRADE updates. Orders are not
// persisted eagerly; trades are the source of truth for fills (spec §4.3
// step 6).
type Repo struct {
	db *DB
}

func NewRepo(db *DB) *Repo { return &Repo{db: db} }

func (r *Repo) UpsertAccount(a *domain.Account) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO accounts (account_id, balance, available, margin, float_profit, hold_profit, close_profit, risk_ratio, gateway_connected, trade_paused, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(account_id) DO UPDATE SET
			balance=excluded.balance, available=excluded.available, margin=excluded.margin,
			float_profit=excluded.float_profit, hold_profit=excluded.hold_profit,
			close_profit=excluded.close_profit, risk_ratio=excluded.risk_ratio,
			gateway_connected=excluded.gateway_connected, trade_paused=excluded.trade_paused,
			status=excluded.status, updated_at=datetime('now')`,
		a.AccountID, a.Balance, a.Available, a.Margin, a.FloatProfit, a.HoldProfit,
		a.CloseProfit, a.RiskRatio, a.GatewayConnected, a.TradePaused, a.Status)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (r *Repo) UpsertPosition(p *domain.Position) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO positions (symbol, pos_long, pos_short, avg_price_long, avg_price_short, float_pnl, margin, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(symbol) DO UPDATE SET
			pos_long=excluded.pos_long, pos_short=excluded.pos_short,
			avg_price_long=excluded.avg_price_long, avg_price_short=excluded.avg_price_short,
			float_pnl=excluded.float_pnl, margin=excluded.margin, updated_at=datetime('now')`,
		p.Symbol, p.PosLong, p.PosShort, p.AvgPriceLong, p.AvgPriceShort, p.FloatPnL, p.Margin)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (r *Repo) InsertTrade(t *domain.Trade) error {
	_, err := r.db.Conn().Exec(`
		INSERT OR IGNORE INTO trades (trade_id, order_id, symbol, direction, offset_type, price, volume, trade_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.Symbol, string(t.Direction), string(t.Offset), t.Price, t.Volume, t.TradeTime.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (r *Repo) InsertAlarm(a *domain.AlarmData) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO alarms (level, module, message, created_at) VALUES (?, ?, ?, ?)`,
		a.Level, a.Module, a.Message, a.Timestamp.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert alarm: %w", err)
	}
	return nil
}

// DeleteAlarmsOlderThan implements the cleanup_old_alarms job (spec §4.7).
func (r *Repo) DeleteAlarmsOlderThan(d time.Duration) (int64, error) {
	cutoff := time.Now().Add(-d).Format(time.RFC3339)
	res, err := r.db.Conn().Exec(`DELETE FROM alarms WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old alarms: %w", err)
	}
	return res.RowsAffected()
}

// InsertPositionSnapshot persists one row per symbol for closing_process
// (spec §4.7): a dated record of the day's closing positions, independent
// of the live `positions` table the next day's trading overwrites.
func (r *Repo) InsertPositionSnapshot(tradingDate string, positions []*domain.Position) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO position_snapshots (trading_date, symbol, pos_long, pos_short) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range positions {
			if _, err := stmt.Exec(tradingDate, p.Symbol, p.PosLong, p.PosShort); err != nil {
				return fmt.Errorf("insert position snapshot: %w", err)
			}
		}
		return nil
	})
}

func (r *Repo) UpsertSystemParam(group, key, value string) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO system_params (param_group, param_key, param_value) VALUES (?, ?, ?)
		ON CONFLICT(param_group, param_key) DO UPDATE SET param_value=excluded.param_value`,
		group, key, value)
	if err != nil {
		return fmt.Errorf("upsert system param: %w", err)
	}
	return nil
}

func (r *Repo) GetSystemParam(group, key string) (string, error) {
	var v string
	err := r.db.Conn().QueryRow(`SELECT param_value FROM system_params WHERE param_group=? AND param_key=?`, group, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get system param: %w", err)
	}
	return v, nil
}

func (r *Repo) GetSystemParamsByGroup(group string) (map[string]string, error) {
	rows, err := r.db.Conn().Query(`SELECT param_key, param_value FROM system_params WHERE param_group=?`, group)
	if err != nil {
		return nil, fmt.Errorf("get system params by group: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
