package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/csuduan/qtrader-sub001/internal/domain"
)

// registerHandlers installs every `@request` operation spec §6 names. Each
// handler decodes its own opaque payload; the IPC server never knows the
// shape of any individual request.
func (t *Trader) registerHandlers() {
	t.srv.Register("connect_gateway", t.hConnectGateway)
	t.srv.Register("disconnect_gateway", t.hDisconnectGateway)
	t.srv.Register("pause_trading", t.hPauseTrading)
	t.srv.Register("resume_trading", t.hResumeTrading)
	t.srv.Register("subscribe", t.hSubscribe)
	t.srv.Register("unsubscribe", t.hUnsubscribe)
	t.srv.Register("update_alert_wechat", t.hUpdateAlertWechat)
	t.srv.Register("get_alert_wechat", t.hGetAlertWechat)

	t.srv.Register("get_account", t.hGetAccount)
	t.srv.Register("get_order", t.hGetOrder)
	t.srv.Register("get_orders", t.hGetOrders)
	t.srv.Register("get_active_orders", t.hGetActiveOrders)
	t.srv.Register("get_trade", t.hGetTrade)
	t.srv.Register("get_trades", t.hGetTrades)
	t.srv.Register("get_positions", t.hGetPositions)
	t.srv.Register("get_quotes", t.hGetQuotes)
	t.srv.Register("get_order_cmds_status", t.hGetOrderCmdsStatus)
	t.srv.Register("get_jobs", t.hGetJobs)

	t.srv.Register("order_req", t.hOrderReq)
	t.srv.Register("cancel_req", t.hCancelReq)

	t.srv.Register("trigger_job", t.hTriggerJob)
	t.srv.Register("toggle_job", t.hToggleJob)
	t.srv.Register("pause_job", t.hPauseJob)
	t.srv.Register("resume_job", t.hResumeJob)

	t.srv.Register("list_strategies", t.hListStrategies)
	t.srv.Register("get_strategy", t.hGetStrategy)
	t.srv.Register("update_strategy_params", t.hUpdateStrategyParams)
	t.srv.Register("update_strategy_signal", t.hUpdateStrategySignal)
	t.srv.Register("set_strategy_trading_status", t.hSetStrategyTradingStatus)
	t.srv.Register("enable_strategy", t.hEnableStrategy)
	t.srv.Register("disable_strategy", t.hDisableStrategy)
	t.srv.Register("reload_strategy_params", t.hReloadStrategyParams)
	t.srv.Register("init_strategy", t.hInitStrategy)
	t.srv.Register("replay_all_strategies", t.hReplayAllStrategies)
	t.srv.Register("get_strategy_order_cmds", t.hGetStrategyOrderCmds)
	t.srv.Register("send_strategy_order_cmd", t.hSendStrategyOrderCmd)

	t.srv.Register("get_rotation_instructions", t.hGetRotationInstructions)
	t.srv.Register("get_rotation_instruction", t.hGetRotationInstruction)
	t.srv.Register("update_rotation_instruction", t.hUpdateRotationInstruction)
	t.srv.Register("import_rotation_instructions", t.hImportRotationInstructions)
	t.srv.Register("execute_rotation", t.hExecuteRotation)
	t.srv.Register("batch_delete_instructions", t.hBatchDeleteInstructions)

	t.srv.Register("list_system_params", t.hListSystemParams)
	t.srv.Register("get_system_param", t.hGetSystemParam)
	t.srv.Register("update_system_param", t.hUpdateSystemParam)
	t.srv.Register("get_system_params_by_group", t.hGetSystemParamsByGroup)
}

type okResult struct {
	OK bool `json:"ok"`
}

// --- gateway control ---

func (t *Trader) hConnectGateway(data json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.gw.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect_gateway: %w", err)
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hDisconnectGateway(data json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.gw.Disconnect(ctx); err != nil {
		return nil, fmt.Errorf("disconnect_gateway: %w", err)
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hPauseTrading(data json.RawMessage) (any, error) {
	t.tradingPaused.Store(true)
	return okResult{OK: true}, nil
}

func (t *Trader) hResumeTrading(data json.RawMessage) (any, error) {
	t.tradingPaused.Store(false)
	return okResult{OK: true}, nil
}

type symbolsReq struct {
	Symbols []string `json:"symbols"`
}

func (t *Trader) hSubscribe(data json.RawMessage) (any, error) {
	var req symbolsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := t.gw.Subscribe(req.Symbols...); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hUnsubscribe(data json.RawMessage) (any, error) {
	var req symbolsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	if err := t.gw.Unsubscribe(req.Symbols...); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	return okResult{OK: true}, nil
}

type wechatReq struct {
	WechatAlert string `json:"wechat_alert"`
}

func (t *Trader) hUpdateAlertWechat(data json.RawMessage) (any, error) {
	var req wechatReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("update_alert_wechat: %w", err)
	}
	t.wechatAlert.Store(req.WechatAlert)
	return okResult{OK: true}, nil
}

func (t *Trader) hGetAlertWechat(data json.RawMessage) (any, error) {
	v, _ := t.wechatAlert.Load().(string)
	return wechatReq{WechatAlert: v}, nil
}

// --- read-only snapshots (spec §6) ---

func (t *Trader) hGetAccount(data json.RawMessage) (any, error) {
	return t.gw.GetAccount()
}

type orderIDReq struct {
	OrderID string `json:"order_id"`
}

func (t *Trader) hGetOrder(data json.RawMessage) (any, error) {
	var req orderIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	orders, err := t.gw.GetOrders()
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.OrderID == req.OrderID {
			return o, nil
		}
	}
	return nil, fmt.Errorf("order %q not found", req.OrderID)
}

func (t *Trader) hGetOrders(data json.RawMessage) (any, error) {
	return t.gw.GetOrders()
}

func (t *Trader) hGetActiveOrders(data json.RawMessage) (any, error) {
	orders, err := t.gw.GetOrders()
	if err != nil {
		return nil, err
	}
	active := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if !o.IsTerminal() {
			active = append(active, o)
		}
	}
	return active, nil
}

type tradeIDReq struct {
	TradeID string `json:"trade_id"`
}

func (t *Trader) hGetTrade(data json.RawMessage) (any, error) {
	var req tradeIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	trades, err := t.gw.GetTrades()
	if err != nil {
		return nil, err
	}
	for _, tr := range trades {
		if tr.TradeID == req.TradeID {
			return tr, nil
		}
	}
	return nil, fmt.Errorf("trade %q not found", req.TradeID)
}

func (t *Trader) hGetTrades(data json.RawMessage) (any, error) {
	return t.gw.GetTrades()
}

func (t *Trader) hGetPositions(data json.RawMessage) (any, error) {
	return t.gw.GetPositions()
}

func (t *Trader) hGetQuotes(data json.RawMessage) (any, error) {
	var req symbolsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return t.gw.GetQuotes(req.Symbols...)
}

func (t *Trader) hGetOrderCmdsStatus(data json.RawMessage) (any, error) {
	return t.ex.List(), nil
}

func (t *Trader) hGetJobs(data json.RawMessage) (any, error) {
	return t.sched.Jobs(), nil
}

// --- order placement ---

type orderReq struct {
	Symbol            string  `json:"symbol"`
	Direction         string  `json:"direction"`
	Offset            string  `json:"offset"`
	Volume            float64 `json:"volume"`
	Price             float64 `json:"price"`
	MaxVolumePerOrder float64 `json:"max_volume_per_order"`
	OrderTimeoutSec   int     `json:"order_timeout_seconds"`
	TotalTimeoutSec   int     `json:"total_timeout_seconds"`
	SplitStrategy     string  `json:"split_strategy"`
	Source            string  `json:"source"`
}

func (t *Trader) hOrderReq(data json.RawMessage) (any, error) {
	if t.tradingPaused.Load() {
		return nil, fmt.Errorf("order_req: trading is paused")
	}
	var req orderReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("order_req: %w", err)
	}
	if err := t.risk.CheckOrder(req.Volume); err != nil {
		return nil, err
	}

	orderTimeout := t.cfg.Risk.OrderTimeout()
	if req.OrderTimeoutSec > 0 {
		orderTimeout = time.Duration(req.OrderTimeoutSec) * time.Second
	}
	totalTimeout := 10 * orderTimeout
	if req.TotalTimeoutSec > 0 {
		totalTimeout = time.Duration(req.TotalTimeoutSec) * time.Second
	}
	maxVol := req.MaxVolumePerOrder
	if maxVol <= 0 {
		maxVol = t.cfg.Risk.MaxSplitLots
	}

	cmd := &domain.OrderCmd{
		Symbol:            req.Symbol,
		Direction:         domain.Direction(strings.ToUpper(req.Direction)),
		Offset:            domain.Offset(strings.ToUpper(req.Offset)),
		Volume:            req.Volume,
		Price:             req.Price,
		MaxVolumePerOrder: maxVol,
		OrderInterval:     500 * time.Millisecond,
		OrderTimeout:      orderTimeout,
		TotalTimeout:      totalTimeout,
		SplitStrategy:     domain.SplitStrategy(strings.ToUpper(req.SplitStrategy)),
		Source:            req.Source,
	}
	t.ex.Submit(cmd)
	t.risk.OnOrderInserted()
	return cmd, nil
}

type cmdIDReq struct {
	CmdID string `json:"cmd_id"`
}

func (t *Trader) hCancelReq(data json.RawMessage) (any, error) {
	var req cmdIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := t.risk.CheckCancel(); err != nil {
		return nil, err
	}
	if err := t.ex.Cancel(req.CmdID); err != nil {
		return nil, err
	}
	t.risk.OnOrderCancelled()
	return okResult{OK: true}, nil
}

// --- job control ---

type jobNameReq struct {
	JobName string `json:"job_name"`
}

func (t *Trader) hTriggerJob(data json.RawMessage) (any, error) {
	var req jobNameReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return okResult{OK: true}, t.sched.TriggerNow(req.JobName)
}

type toggleJobReq struct {
	JobName string `json:"job_name"`
	Enabled bool   `json:"enabled"`
}

func (t *Trader) hToggleJob(data json.RawMessage) (any, error) {
	var req toggleJobReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := t.sched.ToggleJob(req.JobName, req.Enabled); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hPauseJob(data json.RawMessage) (any, error) {
	var req jobNameReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := t.sched.Pause(req.JobName); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hResumeJob(data json.RawMessage) (any, error) {
	var req jobNameReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := t.sched.Resume(req.JobName); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

// --- strategy lifecycle (bodies out of core scope; this is the shell the
// spec's Strategy entity and Trader-process-shell step 9 require) ---

type strategyIDReq struct {
	StrategyID string `json:"strategy_id"`
}

func (t *Trader) strategy(id string) (*domain.Strategy, error) {
	t.strategiesMu.Lock()
	defer t.strategiesMu.Unlock()
	s, ok := t.strategies[id]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	return s, nil
}

func (t *Trader) hListStrategies(data json.RawMessage) (any, error) {
	t.strategiesMu.Lock()
	defer t.strategiesMu.Unlock()
	out := make([]*domain.Strategy, 0, len(t.strategies))
	for _, s := range t.strategies {
		out = append(out, s)
	}
	return out, nil
}

func (t *Trader) hGetStrategy(data json.RawMessage) (any, error) {
	var req strategyIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return t.strategy(req.StrategyID)
}

type updateParamsReq struct {
	StrategyID string         `json:"strategy_id"`
	Params     map[string]any `json:"params"`
}

func (t *Trader) hUpdateStrategyParams(data json.RawMessage) (any, error) {
	var req updateParamsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	s, err := t.strategy(req.StrategyID)
	if err != nil {
		return nil, err
	}
	t.strategiesMu.Lock()
	s.Params = req.Params
	t.strategiesMu.Unlock()
	return okResult{OK: true}, nil
}

type updateSignalReq struct {
	StrategyID string         `json:"strategy_id"`
	Signal     map[string]any `json:"signal"`
}

func (t *Trader) hUpdateStrategySignal(data json.RawMessage) (any, error) {
	var req updateSignalReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	s, err := t.strategy(req.StrategyID)
	if err != nil {
		return nil, err
	}
	t.strategiesMu.Lock()
	s.Signal = req.Signal
	t.strategiesMu.Unlock()
	return okResult{OK: true}, nil
}

type tradingStatusReq struct {
	StrategyID    string `json:"strategy_id"`
	OpeningPaused bool   `json:"opening_paused"`
	ClosingPaused bool   `json:"closing_paused"`
}

func (t *Trader) hSetStrategyTradingStatus(data json.RawMessage) (any, error) {
	var req tradingStatusReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	s, err := t.strategy(req.StrategyID)
	if err != nil {
		return nil, err
	}
	t.strategiesMu.Lock()
	s.OpeningPaused = req.OpeningPaused
	s.ClosingPaused = req.ClosingPaused
	t.strategiesMu.Unlock()
	return okResult{OK: true}, nil
}

func (t *Trader) hEnableStrategy(data json.RawMessage) (any, error) {
	return t.setStrategyEnabled(data, true)
}

func (t *Trader) hDisableStrategy(data json.RawMessage) (any, error) {
	return t.setStrategyEnabled(data, false)
}

func (t *Trader) setStrategyEnabled(data json.RawMessage, enabled bool) (any, error) {
	var req strategyIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	s, err := t.strategy(req.StrategyID)
	if err != nil {
		return nil, err
	}
	t.strategiesMu.Lock()
	s.Enabled = enabled
	t.strategiesMu.Unlock()
	return okResult{OK: true}, nil
}

func (t *Trader) hReloadStrategyParams(data json.RawMessage) (any, error) {
	var req strategyIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	s, err := t.strategy(req.StrategyID)
	if err != nil {
		return nil, err
	}
	for _, sc := range t.cfg.Strategies {
		if sc.StrategyID == req.StrategyID {
			t.strategiesMu.Lock()
			s.Params = sc.Params
			t.strategiesMu.Unlock()
			return okResult{OK: true}, nil
		}
	}
	return nil, fmt.Errorf("strategy %q has no configured params to reload", req.StrategyID)
}

func (t *Trader) hInitStrategy(data json.RawMessage) (any, error) {
	var req strategyIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	s, err := t.strategy(req.StrategyID)
	if err != nil {
		return nil, err
	}
	t.strategiesMu.Lock()
	s.Inited = true
	t.strategiesMu.Unlock()
	return okResult{OK: true}, nil
}

func (t *Trader) hReplayAllStrategies(data json.RawMessage) (any, error) {
	t.strategiesMu.Lock()
	defer t.strategiesMu.Unlock()
	for _, s := range t.strategies {
		s.Inited = true
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hGetStrategyOrderCmds(data json.RawMessage) (any, error) {
	var req strategyIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	prefix := "strategy:" + req.StrategyID
	var out []*domain.OrderCmd
	for _, c := range t.ex.List() {
		if strings.HasPrefix(c.Source, prefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

type sendStrategyOrderReq struct {
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Offset     string  `json:"offset"`
	Volume     float64 `json:"volume"`
}

func (t *Trader) hSendStrategyOrderCmd(data json.RawMessage) (any, error) {
	var req sendStrategyOrderReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if _, err := t.strategy(req.StrategyID); err != nil {
		return nil, err
	}
	if err := t.risk.CheckOrder(req.Volume); err != nil {
		return nil, err
	}
	cmd := &domain.OrderCmd{
		Symbol:            req.Symbol,
		Direction:         domain.Direction(strings.ToUpper(req.Direction)),
		Offset:            domain.Offset(strings.ToUpper(req.Offset)),
		Volume:            req.Volume,
		MaxVolumePerOrder: t.cfg.Risk.MaxSplitLots,
		OrderInterval:     500 * time.Millisecond,
		OrderTimeout:      t.cfg.Risk.OrderTimeout(),
		TotalTimeout:      10 * t.cfg.Risk.OrderTimeout(),
		Source:            "strategy:" + req.StrategyID,
	}
	t.ex.Submit(cmd)
	t.risk.OnOrderInserted()
	return cmd, nil
}

// --- rotation instructions ---

type tradingDateReq struct {
	TradingDate string `json:"trading_date"`
}

func (t *Trader) hGetRotationInstructions(data json.RawMessage) (any, error) {
	var req tradingDateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return t.rotStore.ListByDate(t.accountID, req.TradingDate)
}

type instructionIDReq struct {
	ID int64 `json:"id"`
}

func (t *Trader) hGetRotationInstruction(data json.RawMessage) (any, error) {
	var req instructionIDReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return t.rotStore.GetByID(req.ID)
}

type updateInstructionReq struct {
	ID      int64   `json:"id"`
	Enabled *bool   `json:"enabled"`
	Volume  float64 `json:"volume"`
}

func (t *Trader) hUpdateRotationInstruction(data json.RawMessage) (any, error) {
	var req updateInstructionReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	inst, err := t.rotStore.GetByID(req.ID)
	if err != nil {
		return nil, err
	}
	if req.Enabled != nil {
		inst.Enabled = *req.Enabled
	}
	if req.Volume > 0 {
		inst.Volume = req.Volume
	}
	if err := t.rotStore.Update(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

type importInstructionsReq struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Mode     string `json:"mode"`
}

func (t *Trader) hImportRotationInstructions(data json.RawMessage) (any, error) {
	var req importInstructionsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	mode := domain.ImportAppend
	if strings.EqualFold(req.Mode, "replace") {
		mode = domain.ImportReplace
	}
	imported, rejected, err := t.rot.ImportCSV(req.Filename, strings.NewReader(req.Content), mode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"imported": imported, "rejected": rejected}, nil
}

type executeRotationReq struct {
	Manual      bool   `json:"manual"`
	TradingDate string `json:"trading_date"`
}

func (t *Trader) hExecuteRotation(data json.RawMessage) (any, error) {
	var req executeRotationReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	d := req.TradingDate
	if d == "" {
		d = today()
	}
	if err := t.rot.ExecuteRotation(req.Manual, d, time.Now()); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

type batchDeleteReq struct {
	IDs []int64 `json:"ids"`
}

func (t *Trader) hBatchDeleteInstructions(data json.RawMessage) (any, error) {
	var req batchDeleteReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	for _, id := range req.IDs {
		if err := t.rotStore.SoftDeleteByID(id); err != nil {
			return nil, err
		}
	}
	return okResult{OK: true}, nil
}

// --- system params ---

type systemParamGroupReq struct {
	Group string `json:"group"`
}

func (t *Trader) hListSystemParams(data json.RawMessage) (any, error) {
	return t.repo.GetSystemParamsByGroup("")
}

type systemParamReq struct {
	Group string `json:"group"`
	Key   string `json:"key"`
}

func (t *Trader) hGetSystemParam(data json.RawMessage) (any, error) {
	var req systemParamReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	v, err := t.repo.GetSystemParam(req.Group, req.Key)
	if err != nil {
		return nil, err
	}
	return map[string]string{"value": v}, nil
}

type updateSystemParamReq struct {
	Group string `json:"group"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (t *Trader) hUpdateSystemParam(data json.RawMessage) (any, error) {
	var req updateSystemParamReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := t.repo.UpsertSystemParam(req.Group, req.Key, req.Value); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (t *Trader) hGetSystemParamsByGroup(data json.RawMessage) (any, error) {
	var req systemParamGroupReq
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return t.repo.GetSystemParamsByGroup(req.Group)
}
