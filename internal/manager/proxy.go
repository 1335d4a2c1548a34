// Package manager is the Manager process: it supervises one TraderProxy
// per configured account (spec §4.2), owns the account-keyed IPC client
// pool, and answers the API layer's requests by routing them to the
// right Trader over IPC. Process supervision (spawn/monitor/restart) is
// grounded on aristath-sentinel/internal/deployment/service.go's
// exec.Command + pid-file + restart-policy shape, generalized from a
// single long-lived service to N independently supervised subprocesses.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/config"
	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/ipc"
	"github.com/csuduan/qtrader-sub001/internal/supervisor"
)

// healthPollInterval is how often the supervisor probes the supervised
// Trader's PID independently of IPC heartbeats; it catches a process stuck
// between a bad fork and an unreaped exit that cmd.Wait() hasn't seen yet.
const healthPollInterval = 5 * time.Second

// restartWindow and maxRestarts bound the auto-restart policy: a Trader
// that has already been restarted maxRestarts times inside restartWindow
// is parked in DEGRADED on its next crash instead of being restarted
// again (spec §4.2).
const (
	restartWindow       = 10 * time.Minute
	maxRestarts         = 5
	initialSpawnRetries = 30
	initialSpawnBackoff = 1 * time.Second
	gracefulStopTimeout = 10 * time.Second
)

// TraderProxy supervises one Trader subprocess: it owns the process
// handle, the IPC client talking to it, and the restart policy state
// machine STOPPED -> STARTING -> RUNNING -> DEGRADED/STOPPING (spec §4.2).
type TraderProxy struct {
	accountID  string
	traderBin  string
	socketPath string
	pidFile    string
	cfg        config.AccountConfig
	log        zerolog.Logger

	client *ipc.Client

	mu           sync.Mutex
	state        domain.TraderProxyState
	cmd          *exec.Cmd
	restartTimes []time.Time

	account  *domain.Account
	accMu    sync.Mutex

	healthMu sync.Mutex
	health   supervisor.ProcessStatus

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTraderProxy constructs a proxy for one account. traderBin is the
// path to the Trader executable; runDir holds sockets and pid files.
func NewTraderProxy(cfg config.AccountConfig, traderBin, runDir string, log zerolog.Logger) *TraderProxy {
	log = log.With().Str("component", "trader_proxy").Str("account_id", cfg.AccountID).Logger()
	socketDir := cfg.SocketDir
	if socketDir == "" {
		socketDir = runDir
	}
	socketPath := SocketPathFor(socketDir, cfg.AccountID)
	p := &TraderProxy{
		accountID:  cfg.AccountID,
		traderBin:  traderBin,
		socketPath: socketPath,
		pidFile:    filepath.Join(runDir, cfg.AccountID+".pid"),
		cfg:        cfg,
		log:        log,
		state:      domain.TraderStopped,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	p.client = ipc.NewClient(log, socketPath, cfg.AccountID)
	p.client.OnPush("account", p.handleAccountPush)
	p.client.OnConnect(func() {
		p.setState(domain.TraderRunning)
		p.log.Info().Msg("trader connected")
	})
	p.client.OnDisconnect(func() {
		p.mu.Lock()
		stopping := p.state == domain.TraderStopping
		p.mu.Unlock()
		if !stopping {
			p.setState(domain.TraderDegraded)
			p.log.Warn().Msg("trader disconnected unexpectedly")
		}
	})
	return p
}

func (p *TraderProxy) setState(s domain.TraderProxyState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the proxy's current lifecycle state.
func (p *TraderProxy) State() domain.TraderProxyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start spawns the Trader subprocess (with bounded initial retries) and
// begins the supervision loop that restarts it on unexpected exit, up to
// the rolling-window cap (spec §4.2).
func (p *TraderProxy) Start(ctx context.Context) error {
	p.setState(domain.TraderStarting)

	var lastErr error
	for attempt := 0; attempt < initialSpawnRetries; attempt++ {
		if err := p.spawn(); err != nil {
			lastErr = err
			p.log.Warn().Err(err).Int("attempt", attempt+1).Msg("trader spawn failed, retrying")
			time.Sleep(initialSpawnBackoff)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		p.setState(domain.TraderStopped)
		return fmt.Errorf("spawn trader for %s after %d attempts: %w", p.accountID, initialSpawnRetries, lastErr)
	}

	p.client.Start()
	go p.superviseLoop(ctx)
	go p.healthLoop(ctx)
	return nil
}

// healthLoop periodically probes the Trader's OS process independently of
// IPC heartbeats, so a crash-looping subprocess is visible in Health() even
// before the Manager's own exec.Cmd.Wait() reaps its exit.
func (p *TraderProxy) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			cmd := p.cmd
			p.mu.Unlock()
			if cmd == nil || cmd.Process == nil {
				continue
			}
			status, err := supervisor.Check(ctx, int32(cmd.Process.Pid))
			if err != nil {
				p.log.Warn().Err(err).Msg("process health check failed")
				continue
			}
			p.healthMu.Lock()
			p.health = status
			p.healthMu.Unlock()
			if !status.IsHealthy() {
				p.log.Warn().Int32("pid", status.PID).Bool("zombie", status.Zombie).Msg("trader process unhealthy")
			}
		}
	}
}

// Health returns the last process-liveness probe for this account's Trader.
func (p *TraderProxy) Health() supervisor.ProcessStatus {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.health
}

func (p *TraderProxy) spawn() error {
	cmd := exec.Command(p.traderBin,
		"--account-id", p.accountID,
		"--socket", p.socketPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		p.accountID+"_API_KEY="+p.cfg.APIKey,
		p.accountID+"_API_SECRET="+p.cfg.APISecret,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start trader process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	if err := os.WriteFile(p.pidFile, []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0o644); err != nil {
		p.log.Warn().Err(err).Msg("write pid file failed")
	}
	return nil
}

// superviseLoop waits for the subprocess to exit and restarts it per the
// rolling-window policy, unless Stop has been called.
func (p *TraderProxy) superviseLoop(ctx context.Context) {
	defer close(p.doneCh)
	for {
		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()
		if cmd == nil {
			return
		}

		err := cmd.Wait()

		select {
		case <-p.stopCh:
			return
		default:
		}

		p.log.Warn().Err(err).Msg("trader process exited unexpectedly")
		if !p.recordRestartAllowed() {
			p.setState(domain.TraderDegraded)
			p.log.Error().Msg("restart budget exhausted, parking in DEGRADED")
			return
		}

		p.setState(domain.TraderStarting)
		if err := p.spawn(); err != nil {
			p.log.Error().Err(err).Msg("restart spawn failed, parking in DEGRADED")
			p.setState(domain.TraderDegraded)
			return
		}
	}
}

// recordRestartAllowed applies the "5 restarts per 10 minutes" rolling
// window (spec §9): it prunes timestamps older than the window, appends
// now, and reports whether the cap still has headroom.
func (p *TraderProxy) recordRestartAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-restartWindow)
	kept := p.restartTimes[:0]
	for _, t := range p.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.restartTimes = kept

	if len(p.restartTimes) >= maxRestarts {
		return false
	}
	p.restartTimes = append(p.restartTimes, time.Now())
	return true
}

// handleAccountPush updates the Manager-side mirror cache from a
// Trader's server-initiated account push (spec §4.1 "push contract").
func (p *TraderProxy) handleAccountPush(data json.RawMessage) {
	var a domain.Account
	if err := json.Unmarshal(data, &a); err != nil {
		p.log.Warn().Err(err).Msg("malformed account push")
		return
	}
	p.accMu.Lock()
	p.account = &a
	p.accMu.Unlock()
}

// Account returns the last account snapshot the Trader pushed, if any.
func (p *TraderProxy) Account() *domain.Account {
	p.accMu.Lock()
	defer p.accMu.Unlock()
	return p.account
}

// Request forwards an RPC to the Trader over IPC.
func (p *TraderProxy) Request(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	return p.client.Request(ctx, op, payload)
}

// Stop asks the Trader to shut down gracefully: it closes the IPC
// connection, sends the process SIGINT and waits up to
// gracefulStopTimeout before the OS process is killed outright.
func (p *TraderProxy) Stop() error {
	p.setState(domain.TraderStopping)
	close(p.stopCh)
	p.client.Close()

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		p.setState(domain.TraderStopped)
		return nil
	}

	done := make(chan struct{})
	go func() { <-p.doneCh; close(done) }()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		p.log.Warn().Err(err).Msg("signal trader process failed")
	}

	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		p.log.Warn().Msg("trader did not exit within grace period, killing")
		_ = cmd.Process.Kill()
	}

	p.setState(domain.TraderStopped)
	_ = os.Remove(p.pidFile)
	return nil
}
