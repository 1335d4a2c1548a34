// Package alarm installs a zerolog.Hook that converts every ERROR-level
// (or above) log record into an AlarmData and republishes it on the
// Trader's event engine, which the IPC server turns into a
// push(alarm, ...) (spec §4.3 step 4). Grounded on the alarm-sink-
// attaches-to-the-logger shape of original_source/src/utils/alarm_handler.py,
// expressed here as an idiomatic zerolog.Hook rather than a logging
// handler subclass.
package alarm

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/domain"
)

// Sink receives every AlarmData the hook produces.
type Sink interface {
	Emit(a domain.AlarmData)
}

// Hook implements zerolog.Hook.
type Hook struct {
	module string
	sink   Sink
}

func NewHook(module string, sink Sink) *Hook {
	return &Hook{module: module, sink: sink}
}

// Run is called by zerolog for every log event, before it is written.
func (h *Hook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.ErrorLevel {
		return
	}
	h.sink.Emit(domain.AlarmData{
		Level:     level.String(),
		Module:    h.module,
		Message:   msg,
		Timestamp: time.Now(),
	})
}
