// Package trader is the per-account Trader process shell (spec §4.3):
// it owns the database, event engine, IPC server, alarm hook, gateway
// adapter, persistence writer, rotation engine and scheduler for one
// account, and answers every `@request` RPC named in spec §6.
package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/alarm"
	"github.com/csuduan/qtrader-sub001/internal/config"
	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/events"
	"github.com/csuduan/qtrader-sub001/internal/executor"
	"github.com/csuduan/qtrader-sub001/internal/gateway"
	"github.com/csuduan/qtrader-sub001/internal/ipc"
	"github.com/csuduan/qtrader-sub001/internal/persist"
	"github.com/csuduan/qtrader-sub001/internal/rotation"
	"github.com/csuduan/qtrader-sub001/internal/scheduler"
)

// sqlStore is the rotation.Store backed by persist.DB; defined here to
// avoid a persist -> rotation import cycle.
type sqlStore struct{ db *persist.DB }

func (s *sqlStore) InsertInstruction(r *domain.RotationInstruction) (int64, error) {
	res, err := s.db.Conn().Exec(`
		INSERT INTO rotation_instructions
			(account_id, strategy_id, symbol, direction, offset_type, volume, filled_volume, price, order_time, trading_date, enabled, status, attempt_count, remaining_attempts, source, import_mode)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 1, ?, 0, ?, ?, ?)`,
		r.AccountID, r.StrategyID, r.Symbol, string(r.Direction), string(r.Offset), r.Volume, r.Price,
		r.OrderTime, r.TradingDate, string(domain.RotationPending), r.RemainingAttempts, r.Source, string(r.ImportMode))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqlStore) SoftDeleteByDate(accountID, tradingDate string) error {
	_, err := s.db.Conn().Exec(`UPDATE rotation_instructions SET is_deleted=1 WHERE account_id=? AND trading_date=? AND is_deleted=0`, accountID, tradingDate)
	return err
}

func (s *sqlStore) ListByDate(accountID, tradingDate string) ([]*domain.RotationInstruction, error) {
	return s.query(`WHERE account_id=? AND trading_date=? AND is_deleted=0`, accountID, tradingDate)
}

func (s *sqlStore) ListActive(accountID string) ([]*domain.RotationInstruction, error) {
	return s.query(`WHERE account_id=? AND is_deleted=0 AND status='RUNNING'`, accountID)
}

func (s *sqlStore) GetByID(id int64) (*domain.RotationInstruction, error) {
	rows, err := s.query(`WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("rotation instruction %d not found", id)
	}
	return rows[0], nil
}

func (s *sqlStore) SoftDeleteByID(id int64) error {
	_, err := s.db.Conn().Exec(`UPDATE rotation_instructions SET is_deleted=1 WHERE id=?`, id)
	return err
}

func (s *sqlStore) query(where string, args ...any) ([]*domain.RotationInstruction, error) {
	rows, err := s.db.Conn().Query(`
		SELECT id, account_id, strategy_id, symbol, direction, offset_type, volume, filled_volume, price,
		       order_time, trading_date, enabled, status, attempt_count, remaining_attempts, current_cmd_id,
		       error_message, source, import_mode, is_deleted
		FROM rotation_instructions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RotationInstruction
	for rows.Next() {
		r := &domain.RotationInstruction{}
		var direction, offsetType, status, importMode string
		var enabled, deleted int
		if err := rows.Scan(&r.ID, &r.AccountID, &r.StrategyID, &r.Symbol, &direction, &offsetType,
			&r.Volume, &r.FilledVolume, &r.Price, &r.OrderTime, &r.TradingDate, &enabled, &status,
			&r.AttemptCount, &r.RemainingAttempts, &r.CurrentCmdID, &r.ErrorMessage, &r.Source, &importMode, &deleted); err != nil {
			return nil, err
		}
		r.Direction = domain.Direction(direction)
		r.Offset = domain.Offset(offsetType)
		r.Status = domain.RotationStatus(status)
		r.ImportMode = domain.RotationImportMode(importMode)
		r.Enabled = enabled != 0
		r.IsDeleted = deleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Update(r *domain.RotationInstruction) error {
	_, err := s.db.Conn().Exec(`
		UPDATE rotation_instructions SET filled_volume=?, status=?, attempt_count=?, current_cmd_id=?, error_message=?
		WHERE id=?`, r.FilledVolume, string(r.Status), r.AttemptCount, r.CurrentCmdID, r.ErrorMessage, r.ID)
	return err
}

// Trader wires every per-account component and answers IPC requests.
type Trader struct {
	accountID string
	cfg       config.AccountConfig
	log       zerolog.Logger

	db       *persist.DB
	repo     *persist.Repo
	events   *events.Engine
	srv      *ipc.Server
	gw       gateway.Gateway
	ex       *executor.Executor
	rot      *rotation.Engine
	rotStore *sqlStore
	sched    *scheduler.Scheduler
	risk     *executor.RiskControl

	tradingPaused atomic.Bool
	wechatAlert   atomic.Value // string

	strategiesMu sync.Mutex
	strategies   map[string]*domain.Strategy

	rotStopCh chan struct{}
}

// New constructs a Trader in startup order (spec §4.3 steps 1-9) but
// does not yet bind the socket or start the scheduler; call Run for that.
func New(cfg config.AccountConfig, gw gateway.Gateway, log zerolog.Logger) (*Trader, error) {
	log = log.With().Str("account_id", cfg.AccountID).Logger()

	db, err := persist.Open(cfg.AccountID, cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repo := persist.NewRepo(db)

	eng := events.New(log, 1024, 4)

	t := &Trader{
		accountID:  cfg.AccountID,
		cfg:        cfg,
		log:        log,
		db:         db,
		repo:       repo,
		events:     eng,
		gw:         gw,
		risk:       executor.NewRiskControl(cfg.Risk.MaxDailyOrders, cfg.Risk.MaxDailyCancels, cfg.Risk.MaxSingleOrderLots),
		strategies: make(map[string]*domain.Strategy),
		rotStopCh:  make(chan struct{}),
	}
	t.wechatAlert.Store(cfg.WechatAlert)
	for _, sc := range cfg.Strategies {
		t.strategies[sc.StrategyID] = &domain.Strategy{
			StrategyID: sc.StrategyID,
			Enabled:    sc.Enabled,
			Params:     sc.Params,
		}
	}

	t.srv = ipc.NewServer(log, cfg.AccountID)
	hook := alarm.NewHook(cfg.AccountID, alarmSinkFunc(t.emitAlarm))
	t.log = t.log.Hook(hook)

	t.ex = executor.New(gw, log)
	t.rotStore = &sqlStore{db: db}
	t.rot = rotation.New(cfg.AccountID, t.rotStore, t.ex, cfg.Risk.MaxSplitLots, cfg.Risk.OrderTimeout(), log)
	t.sched = scheduler.New(log)

	gw.RegisterCallbacks(gateway.Callbacks{
		OnOrder:    t.onOrder,
		OnTrade:    t.onTrade,
		OnPosition: t.onPosition,
		OnAccount:  t.onAccount,
	})

	t.registerEventSubscriptions()
	t.registerHandlers()
	if err := t.registerDefaultJobs(); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	return t, nil
}

type alarmSinkFunc func(domain.AlarmData)

func (f alarmSinkFunc) Emit(a domain.AlarmData) { f(a) }

func (t *Trader) emitAlarm(a domain.AlarmData) {
	t.events.Emit(events.AlarmUpdate, a)
}

// Run binds the socket and starts every subsystem; it blocks until ctx
// is cancelled, then shuts everything down (spec §4.3 step 10).
func (t *Trader) Run(ctx context.Context, socketPath string) error {
	t.events.Start()
	if err := t.srv.Listen(socketPath); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.sched.Start()
	go t.rot.Monitor(t.rotStopCh)

	<-ctx.Done()

	close(t.rotStopCh)
	t.sched.Stop()
	_ = t.srv.Close()
	t.events.Stop()
	_ = t.db.Close()
	return nil
}

// --- gateway callback -> event engine translation (spec §4.3 step 5) ---

func (t *Trader) onOrder(o *domain.Order) {
	t.events.Emit(events.OrderUpdate, o)
}
func (t *Trader) onTrade(tr *domain.Trade) {
	t.events.Emit(events.TradeUpdate, tr)
}
func (t *Trader) onPosition(p *domain.Position) {
	t.events.Emit(events.PositionUpdate, p)
}
func (t *Trader) onAccount(a *domain.Account) {
	t.events.Emit(events.AccountUpdate, a)
}

// registerEventSubscriptions wires the persistence writer and the IPC
// push channel to ACCOUNT/POSITION/TRADE/ORDER/ALARM updates (spec §4.3
// step 6 — "orders are not persisted eagerly; trades are the source of
// truth for fills").
func (t *Trader) registerEventSubscriptions() {
	t.events.Register(events.AccountUpdate, func(ev events.Event) {
		a := ev.Data.(*domain.Account)
		if err := t.repo.UpsertAccount(a); err != nil {
			t.log.Error().Err(err).Msg("persist account failed")
		}
		t.srv.Broadcast("account", a)
	})
	t.events.Register(events.PositionUpdate, func(ev events.Event) {
		p := ev.Data.(*domain.Position)
		if err := t.repo.UpsertPosition(p); err != nil {
			t.log.Error().Err(err).Msg("persist position failed")
		}
		t.srv.Broadcast("position", p)
	})
	t.events.Register(events.TradeUpdate, func(ev events.Event) {
		tr := ev.Data.(*domain.Trade)
		if err := t.repo.InsertTrade(tr); err != nil {
			t.log.Error().Err(err).Msg("persist trade failed")
		}
		t.srv.Broadcast("trade", tr)
	})
	t.events.Register(events.OrderUpdate, func(ev events.Event) {
		t.srv.Broadcast("order", ev.Data)
	})
	t.events.Register(events.TickUpdate, func(ev events.Event) {
		t.srv.Broadcast("tick", ev.Data)
	})
	t.events.Register(events.AlarmUpdate, func(ev events.Event) {
		a := ev.Data.(domain.AlarmData)
		if err := t.repo.InsertAlarm(&a); err != nil {
			// avoid recursive alarms: log at Warn, not Error
			t.log.Warn().Err(err).Msg("persist alarm failed")
		}
		t.srv.Broadcast("alarm", a)
	})
}

// registerDefaultJobs schedules one job per entry of the account's
// configured jobs list, bound to the concrete job functions spec §4.7
// names. An entry with an empty cron_expression uses the default
// expression for its job_method; a method with no entry in the list is
// not scheduled, and an unknown job_method is an error.
func (t *Trader) registerDefaultJobs() error {
	defaults := map[string]string{
		"pre_market_connect":       "0 55 8 * * 1-5",
		"post_market_disconnect":   "0 35 15 * * 1-5",
		"post_market_export":       "0 40 15 * * 1-5",
		"scan_orders":              "*/30 * * * * *",
		"execute_position_rotation": "0 */2 9-15 * * 1-5",
		"cleanup_old_alarms":       "0 0 2 * * *",
		"opening_check":            "0 0 9 * * 1-5",
		"closing_process":          "0 0 15 * * 1-5",
		"check_rotation_result":    "0 45 15 * * 1-5",
	}
	fns := map[string]scheduler.JobFunc{
		"pre_market_connect":        func() error { return t.gw.Connect(context.Background()) },
		"post_market_disconnect":    func() error { return t.gw.Disconnect(context.Background()) },
		"post_market_export":        func() error { return t.exportPositions(today()) },
		"scan_orders":               func() error { return t.scanInbox() },
		"execute_position_rotation": func() error { return t.rot.ExecuteRotation(false, today(), time.Now()) },
		"cleanup_old_alarms":        func() error { _, err := t.repo.DeleteAlarmsOlderThan(72 * time.Hour); return err },
		"opening_check":             func() error { return t.openingCheck() },
		"closing_process":           func() error { return t.closingProcess() },
		"check_rotation_result":     func() error { return t.checkRotationResult() },
	}

	for _, jc := range t.cfg.Jobs {
		expr := jc.CronExpression
		if expr == "" {
			expr = defaults[jc.JobMethod]
		}
		fn, ok := fns[jc.JobMethod]
		if !ok {
			return fmt.Errorf("unknown job_method %q", jc.JobMethod)
		}
		if err := t.sched.AddJob(jc.JobName, jc.Group, expr, jc.JobMethod, jc.Enabled, fn); err != nil {
			return err
		}
	}
	return nil
}

func today() string { return time.Now().Format("20060102") }
