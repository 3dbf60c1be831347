// Package events posts operational events to the /events URI on the
// message bus (§4.7, §7): connection state changes, fatal-exit triggers,
// config reload outcomes, and heartbeat transitions all flow through here
// so every consumer of the bus sees them the same way a pub does.
package events

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/bus"
	"github.com/modbusgw/gateway/internal/clock"
)

// Severity ranks an event from informational to fatal (§4.7).
type Severity uint8

const (
	Info Severity = iota
	Warning
	Alarm
	Critical
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Alarm:
		return "alarm"
	case Critical:
		return "critical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// source is the fixed originator string every event carries (§6).
const source = "Modbus Client"

// Event is the body posted to /events.
type Event struct {
	Source   string `json:"source"`
	Message  string `json:"message"`
	Severity uint8  `json:"severity"`
}

// Publisher posts events to the bus and mirrors them into the structured
// logger, so an operator watching logs sees the same stream as a bus
// subscriber of /events.
type Publisher struct {
	b   *bus.Bus
	log *zap.Logger
	clk clock.Clock
}

// New builds a Publisher.
func New(b *bus.Bus, log *zap.Logger, clk clock.Clock) *Publisher {
	return &Publisher{b: b, log: log, clk: clk}
}

// Post publishes one event (method post, §6) and logs it at a level
// matching its severity. component is folded into the message text since
// the wire shape has no field of its own for it.
func (p *Publisher) Post(sev Severity, component, message string) {
	if component != "" {
		message = component + ": " + message
	}
	ev := Event{Source: source, Message: message, Severity: uint8(sev)}
	body, _ := json.Marshal(ev)
	if err := p.b.Publish("post", "/events", body); err != nil {
		p.log.Error("failed to post event", zap.Error(err))
	}

	fields := []zap.Field{zap.String("component", component)}
	switch sev {
	case Info:
		p.log.Info(message, fields...)
	case Warning:
		p.log.Warn(message, fields...)
	case Alarm, Critical:
		p.log.Error(message, fields...)
	case Fatal:
		p.log.Error(message, fields...) // caller performs the actual os.Exit, not this package
	}
}
