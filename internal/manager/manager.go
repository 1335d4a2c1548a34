package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/config"
	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/supervisor"
)

// Manager owns one TraderProxy per configured account (Start launches
// only the enabled ones) and is the single
// point the API layer talks to (spec §4.2 "Manager" / §2 component
// table: "owns process lifecycle ... exposes Trader state to the API").
type Manager struct {
	cfg       *config.Config
	traderBin string
	runDir    string
	log       zerolog.Logger

	mu      sync.RWMutex
	proxies map[string]*TraderProxy
}

// New constructs a Manager; it does not start any Trader yet.
func New(cfg *config.Config, traderBin, runDir string, log zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir %s: %w", runDir, err)
	}
	m := &Manager{
		cfg:       cfg,
		traderBin: traderBin,
		runDir:    runDir,
		log:       log.With().Str("component", "manager").Logger(),
		proxies:   make(map[string]*TraderProxy),
	}
	for _, acc := range cfg.Accounts {
		m.proxies[acc.AccountID] = NewTraderProxy(acc, traderBin, runDir, m.log)
	}
	return m, nil
}

// Start launches every enabled account's Trader. Accounts start
// concurrently and independently; one account's spawn failure does not
// prevent the others from starting (spec §5 "independent failure
// domains").
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	proxies := make([]*TraderProxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		if !p.cfg.Enabled {
			continue
		}
		proxies = append(proxies, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(proxies))
	for _, p := range proxies {
		wg.Add(1)
		go func(p *TraderProxy) {
			defer wg.Done()
			if err := p.Start(ctx); err != nil {
				errs <- fmt.Errorf("account %s: %w", p.accountID, err)
			}
		}(p)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		m.log.Error().Err(err).Msg("account failed to start")
	}
	return nil
}

// Stop gracefully stops every supervised Trader.
func (m *Manager) Stop() {
	m.mu.RLock()
	proxies := make([]*TraderProxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		proxies = append(proxies, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range proxies {
		wg.Add(1)
		go func(p *TraderProxy) {
			defer wg.Done()
			if err := p.Stop(); err != nil {
				m.log.Error().Err(err).Str("account_id", p.accountID).Msg("stop failed")
			}
		}(p)
	}
	wg.Wait()
}

// Proxy returns the TraderProxy for an account, or false if unknown.
func (m *Manager) Proxy(accountID string) (*TraderProxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[accountID]
	return p, ok
}

// AccountSummary is what list_accounts / the API dashboard reads:
// the Manager-side mirror of live state plus supervision status.
type AccountSummary struct {
	AccountID string                   `json:"account_id"`
	State     domain.TraderProxyState  `json:"state"`
	Account   *domain.Account          `json:"account,omitempty"`
	Health    supervisor.ProcessStatus `json:"health"`
}

// ListAccounts returns a summary of every supervised account.
func (m *Manager) ListAccounts() []AccountSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AccountSummary, 0, len(m.proxies))
	for id, p := range m.proxies {
		out = append(out, AccountSummary{AccountID: id, State: p.State(), Account: p.Account(), Health: p.Health()})
	}
	return out
}

// Route forwards one RPC operation to the named account's Trader and
// returns its raw JSON result (spec §2: "Manager ... routes API calls to
// the right Trader over IPC").
func (m *Manager) Route(ctx context.Context, accountID, op string, payload any) (json.RawMessage, error) {
	p, ok := m.Proxy(accountID)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	if p.State() != domain.TraderRunning {
		return nil, fmt.Errorf("account %q trader is not running (state=%s)", accountID, p.State())
	}
	return p.Request(ctx, op, payload)
}

// SocketPathFor exposes the socket path a Trader should bind for a given
// account under a socket directory; used by NewTraderProxy for the
// --socket argument of the cmd/trader subprocess.
func SocketPathFor(runDir, accountID string) string {
	return filepath.Join(runDir, accountID+".sock")
}
