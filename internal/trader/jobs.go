// The job bodies below back the scheduler.JobFunc table registerDefaultJobs
// wires up (spec §4.7); split out of trader.go so that file stays a plain
// wiring table.
package trader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/csuduan/qtrader-sub001/internal/domain"
)

var inboxFilePattern = regexp.MustCompile(`^\d{8}_.*\.csv$`)

// exportPositions dumps the account's current positions to a GBK CSV in
// Paths.Export (spec §6 "Position export CSV"). Gateway.GetPositions
// reports an aggregate long/short lot count, not a today/yesterday split,
// so every non-zero leg is written with its full volume under 今仓 and 0
// under 昨仓 — a real brokerage adapter able to report that split would
// fill in the second column.
func (t *Trader) exportPositions(tradingDate string) error {
	positions, err := t.gw.GetPositions()
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	if err := os.MkdirAll(t.cfg.Paths.Export, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(t.cfg.Paths.Export, fmt.Sprintf("position-%s-%s.csv", t.accountID, tradingDate))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := transform.NewWriter(f, simplifiedchinese.GBK.NewEncoder())
	defer w.Close()

	if _, err := fmt.Fprintln(w, "账户,交易日期,合约代码,方向,今仓,昨仓"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range positions {
		if p.PosLong > 0 {
			if _, err := fmt.Fprintf(w, "%s,%s,%s,买,%.0f,0\n", t.accountID, tradingDate, p.Symbol, p.PosLong); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		if p.PosShort > 0 {
			if _, err := fmt.Fprintf(w, "%s,%s,%s,卖,%.0f,0\n", t.accountID, tradingDate, p.Symbol, p.PosShort); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	}
	return nil
}

// scanInbox implements scan_orders: every YYYYMMDD_*.csv file sitting in
// Paths.CSVInbox that hasn't already been marked ".imported" is fed
// through the rotation engine in append mode (spec §4.5 Ingest). A
// rejected row is logged and skipped; it does not block the rest of the
// file, and a processed file is renamed so the next tick does not pick it
// up again.
func (t *Trader) scanInbox() error {
	if t.cfg.Paths.CSVInbox == "" {
		return nil
	}
	entries, err := os.ReadDir(t.cfg.Paths.CSVInbox)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read csv_inbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !inboxFilePattern.MatchString(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(t.cfg.Paths.CSVInbox, name)
		f, err := os.Open(path)
		if err != nil {
			t.log.Error().Err(err).Str("file", name).Msg("scan_orders: open inbox file failed")
			continue
		}
		imported, rejected, err := t.rot.ImportCSV(name, f, domain.ImportAppend)
		f.Close()
		if err != nil {
			t.log.Error().Err(err).Str("file", name).Msg("scan_orders: import failed")
			continue
		}
		for _, r := range rejected {
			t.log.Warn().Str("file", name).Str("reason", r).Msg("scan_orders: row rejected")
		}
		t.log.Info().Str("file", name).Int("imported", imported).Int("rejected", len(rejected)).Msg("scan_orders: inbox file ingested")
		if err := os.Rename(path, path+".imported"); err != nil {
			t.log.Warn().Err(err).Str("file", name).Msg("scan_orders: rename processed file failed")
		}
	}
	return nil
}

// openingCheck verifies the three opening-bell preconditions spec §4.7
// names and raises an alarm (the alarm hook fires off any Error-level log
// record, spec §4.3 step 4) for each one missing. A missing precondition
// is an alarm, not a job failure, so this never returns an error itself.
func (t *Trader) openingCheck() error {
	if !t.gw.IsConnected() {
		t.log.Error().Msg("opening_check: gateway is not connected")
	}

	rows, err := t.rotStore.ListByDate(t.accountID, today())
	if err != nil {
		t.log.Error().Err(err).Msg("opening_check: list today's rotation instructions failed")
	} else if len(rows) == 0 {
		t.log.Error().Msg("opening_check: no rotation instructions imported for today")
	}

	if t.cfg.Paths.Params != "" {
		if _, err := os.Stat(t.cfg.Paths.Params); err != nil {
			t.log.Error().Err(err).Msg("opening_check: params file missing")
		}
	}
	return nil
}

// closingProcess exports positions and persists a dated snapshot of them
// (spec §4.7 closing_process).
func (t *Trader) closingProcess() error {
	date := today()
	if err := t.exportPositions(date); err != nil {
		return fmt.Errorf("closing_process: export positions: %w", err)
	}
	positions, err := t.gw.GetPositions()
	if err != nil {
		return fmt.Errorf("closing_process: get positions: %w", err)
	}
	if err := t.repo.InsertPositionSnapshot(date, positions); err != nil {
		return fmt.Errorf("closing_process: persist snapshot: %w", err)
	}
	return nil
}

// checkRotationResult raises an alarm if any of today's enabled rotation
// instructions did not reach COMPLETED (spec §4.7).
func (t *Trader) checkRotationResult() error {
	rows, err := t.rotStore.ListByDate(t.accountID, today())
	if err != nil {
		return fmt.Errorf("check_rotation_result: list today's instructions: %w", err)
	}
	var incomplete int
	for _, r := range rows {
		if r.Enabled && r.Status != domain.RotationCompleted {
			incomplete++
		}
	}
	if incomplete > 0 {
		t.log.Error().Int("incomplete", incomplete).Msg("check_rotation_result: rotation instructions did not complete")
	}
	return nil
}
