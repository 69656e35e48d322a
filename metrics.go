package condochat

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pushEvents *prometheus.CounterVec
	commands   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "condochat",
			Name:      "push_events_total",
			Help:      "Push events received, by event name and outcome.",
		}, []string{"event", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "condochat",
			Name:      "commands_total",
			Help:      "Outbound commands, by command and outcome.",
		}, []string{"command", "outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.pushEvents, err = register(reg, m.pushEvents); err != nil {
		return nil, err
	}
	if m.commands, err = register(reg, m.commands); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the already registered collector when a second engine
// shares the registry.
func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) pushEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) command(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}
