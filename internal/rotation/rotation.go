// Package rotation is the CSV-ingest-and-execute position rotation
// engine (spec §4.5), grounded on original_source/src/trader/switch_mgr.py's
// SwitchPosManager (working-flag re-entrancy guard, instruction lifecycle,
// today()-date filtering) and on the 2-second monitor-loop shape
// original_source describes for driving running instructions to
// completion via the executor.
package rotation

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/executor"
)

var dateInFilename = regexp.MustCompile(`(\d{8})`)

// Store is the persistence surface the engine needs, kept narrow here for
// testability; the trader package's sqlStore implements it over
// persist.DB and MemStore implements it in memory.
type Store interface {
	InsertInstruction(r *domain.RotationInstruction) (int64, error)
	SoftDeleteByDate(accountID, tradingDate string) error
	ListByDate(accountID, tradingDate string) ([]*domain.RotationInstruction, error)
	ListActive(accountID string) ([]*domain.RotationInstruction, error)
	Update(r *domain.RotationInstruction) error
}

// Engine drives CSV ingest and the rotation execution/monitor loop for
// one account.
type Engine struct {
	accountID string
	store     Store
	ex        *executor.Executor
	log       zerolog.Logger

	maxSplitVolume float64
	orderTimeout   time.Duration

	working int32 // single-writer latch (spec §4.5); 0/1 via atomic

	// terminalMu/terminalized guard onCmdTerminal against double-crediting
	// FilledVolume: ExecuteRotation's OnChange callback and Monitor's poll
	// loop can both observe the same cmd reaching CmdFinished (the
	// callback fires as soon as the executor marks it finished; Monitor's
	// next tick can race the same observation before the callback's store
	// Update lands), so every cmd_id is applied to an instruction at most
	// once regardless of which path notices it first.
	terminalMu   sync.Mutex
	terminalized map[string]struct{}
}

func New(accountID string, store Store, ex *executor.Executor, maxSplitVolume float64, orderTimeout time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		accountID:      accountID,
		store:          store,
		ex:             ex,
		log:            log.With().Str("component", "rotation").Str("account_id", accountID).Logger(),
		maxSplitVolume: maxSplitVolume,
		orderTimeout:   orderTimeout,
		terminalized:   make(map[string]struct{}),
	}
}

// ImportCSV parses rows per spec §6 and persists them under importMode
// ("append" adds; "replace" soft-deletes all prior rows for the same
// trading_date first). It rejects rows with missing fields, zero/
// negative volume, or malformed symbols; rejected rows are reported but
// do not abort the whole import.
func (e *Engine) ImportCSV(filename string, r io.Reader, importMode domain.RotationImportMode) (imported int, rejected []string, err error) {
	m := dateInFilename.FindString(filename)
	if len(m) != 8 {
		return 0, nil, fmt.Errorf("filename %q has no 8-digit trading_date", filename)
	}
	tradingDate := m

	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return 0, nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}
	rows = rows[1:] // skip header

	if importMode == domain.ImportReplace {
		if err := e.store.SoftDeleteByDate(e.accountID, tradingDate); err != nil {
			return 0, nil, fmt.Errorf("soft-delete prior rows for %s: %w", tradingDate, err)
		}
	}

	for i, row := range rows {
		inst, perr := parseRow(row, e.accountID, tradingDate, importMode)
		if perr != nil {
			rejected = append(rejected, fmt.Sprintf("row %d: %v", i+2, perr))
			continue
		}
		if _, err := e.store.InsertInstruction(inst); err != nil {
			rejected = append(rejected, fmt.Sprintf("row %d: insert failed: %v", i+2, err))
			continue
		}
		imported++
	}
	return imported, rejected, nil
}

func parseRow(row []string, accountID, tradingDate string, mode domain.RotationImportMode) (*domain.RotationInstruction, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("expected at least 6 columns, got %d", len(row))
	}
	rowAccount := strings.TrimSpace(row[0])
	strategyID := strings.TrimSpace(row[1])
	symbol := strings.TrimSpace(row[2])
	offsetRaw := strings.TrimSpace(row[3])
	directionRaw := strings.TrimSpace(row[4])
	volumeRaw := strings.TrimSpace(row[5])
	var orderTime string
	if len(row) > 6 {
		orderTime = strings.TrimSpace(row[6])
	}

	if rowAccount == "" || strategyID == "" || symbol == "" {
		return nil, fmt.Errorf("missing required field")
	}
	if rowAccount != accountID {
		return nil, fmt.Errorf("account_id %q does not match target account %q", rowAccount, accountID)
	}
	if !strings.Contains(symbol, ".") {
		return nil, fmt.Errorf("malformed symbol %q, expected exchange.instrument", symbol)
	}

	volume, err := strconv.ParseFloat(volumeRaw, 64)
	if err != nil || volume <= 0 {
		return nil, fmt.Errorf("invalid volume %q", volumeRaw)
	}

	offset, err := parseOffset(offsetRaw)
	if err != nil {
		return nil, err
	}
	direction, err := parseDirection(directionRaw)
	if err != nil {
		return nil, err
	}

	return &domain.RotationInstruction{
		AccountID:         accountID,
		StrategyID:        strategyID,
		Symbol:            symbol,
		Direction:         direction,
		Offset:            offset,
		Volume:            volume,
		OrderTime:         orderTime,
		TradingDate:       tradingDate,
		Enabled:           true,
		Status:            domain.RotationPending,
		RemainingAttempts: 3,
		ImportMode:        mode,
	}, nil
}

func parseOffset(s string) (domain.Offset, error) {
	switch s {
	case "Open", "开仓":
		return domain.OffsetOpen, nil
	case "Close", "平仓":
		return domain.OffsetClose, nil
	default:
		return "", fmt.Errorf("invalid offset %q", s)
	}
}

func parseDirection(s string) (domain.Direction, error) {
	switch s {
	case "Buy", "买入":
		return domain.Buy, nil
	case "Sell", "卖出":
		return domain.Sell, nil
	default:
		return "", fmt.Errorf("invalid direction %q", s)
	}
}

// ExecuteRotation fires today's not-yet-completed, enabled instructions
// (spec §4.5). It refuses to run re-entrantly: a concurrent call returns
// immediately without side effects (spec §8 idempotence property).
func (e *Engine) ExecuteRotation(isManual bool, today string, now time.Time) error {
	if !atomic.CompareAndSwapInt32(&e.working, 0, 1) {
		e.log.Info().Msg("execute_position_rotation already running, skipping")
		return nil
	}
	defer atomic.StoreInt32(&e.working, 0)

	instructions, err := e.store.ListByDate(e.accountID, today)
	if err != nil {
		return fmt.Errorf("list today's instructions: %w", err)
	}

	for _, inst := range instructions {
		if inst.IsDeleted || !inst.Enabled || inst.Status == domain.RotationCompleted {
			continue
		}
		if !isManual && inst.OrderTime != "" && now.Format("15:04:05") < inst.OrderTime {
			continue
		}

		inst.Status = domain.RotationPending
		remaining := inst.RemainingVolume()
		if remaining <= 0 {
			inst.Status = domain.RotationCompleted
			_ = e.store.Update(inst)
			continue
		}

		source := fmt.Sprintf("rotation:%s", inst.Symbol)
		target := inst
		cmd := &domain.OrderCmd{
			Symbol:            inst.Symbol,
			Direction:         inst.Direction,
			Offset:            inst.Offset,
			Volume:            remaining,
			MaxVolumePerOrder: e.maxSplitVolume,
			OrderInterval:     500 * time.Millisecond,
			OrderTimeout:      e.orderTimeout,
			TotalTimeout:      10 * e.orderTimeout,
			Source:            source,
			OnChange: func(c *domain.OrderCmd) {
				if c.Status != domain.CmdFinished {
					return
				}
				e.onCmdTerminal(target, c)
			},
		}
		e.ex.Submit(cmd)

		inst.CurrentCmdID = cmd.CmdID
		inst.Status = domain.RotationRunning
		inst.AttemptCount++
		inst.LastAttemptTime = now
		_ = e.store.Update(inst)
	}
	return nil
}

func (e *Engine) onCmdTerminal(inst *domain.RotationInstruction, cmd *domain.OrderCmd) {
	e.terminalMu.Lock()
	if _, done := e.terminalized[cmd.CmdID]; done {
		e.terminalMu.Unlock()
		return
	}
	e.terminalized[cmd.CmdID] = struct{}{}
	e.terminalMu.Unlock()

	inst.FilledVolume += cmd.FilledVolume
	if inst.RemainingVolume() <= 0 {
		inst.Status = domain.RotationCompleted
	} else if cmd.FinishReason == domain.ReasonError {
		inst.Status = domain.RotationFailed
		inst.ErrorMessage = string(cmd.FinishReason)
	} else {
		inst.Status = domain.RotationPending // resubmitted by the next ExecuteRotation run (Monitor only polls RUNNING rows)
	}
	_ = e.store.Update(inst)
}

// Monitor runs the 2-second poll loop until stop is closed or no active
// instructions remain for longer than the 10-minute global guard (spec
// §4.5).
func (e *Engine) Monitor(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	idleSince := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			active, err := e.store.ListActive(e.accountID)
			if err != nil {
				e.log.Error().Err(err).Msg("monitor: list active instructions failed")
				continue
			}
			if len(active) == 0 {
				if time.Since(idleSince) > 10*time.Minute {
					return
				}
				continue
			}
			idleSince = time.Now()
			for _, inst := range active {
				if cmd, ok := e.ex.Get(inst.CurrentCmdID); ok && cmd.Status == domain.CmdFinished {
					e.onCmdTerminal(inst, cmd)
				}
			}
		}
	}
}

// memStore is a minimal in-memory Store used by tests.
type memStore struct {
	mu   sync.Mutex
	rows []*domain.RotationInstruction
	next int64
}

func NewMemStore() *memStore { return &memStore{} }

func (s *memStore) InsertInstruction(r *domain.RotationInstruction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	r.ID = s.next
	s.rows = append(s.rows, r)
	return r.ID, nil
}

func (s *memStore) SoftDeleteByDate(accountID, tradingDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.AccountID == accountID && r.TradingDate == tradingDate {
			r.IsDeleted = true
		}
	}
	return nil
}

func (s *memStore) ListByDate(accountID, tradingDate string) ([]*domain.RotationInstruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RotationInstruction
	for _, r := range s.rows {
		if r.AccountID == accountID && r.TradingDate == tradingDate && !r.IsDeleted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListActive(accountID string) ([]*domain.RotationInstruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RotationInstruction
	for _, r := range s.rows {
		if r.AccountID == accountID && !r.IsDeleted && r.Status == domain.RotationRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Update(r *domain.RotationInstruction) error {
	return nil // rows are pointers shared with callers in this in-memory store
}
