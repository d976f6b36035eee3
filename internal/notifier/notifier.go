// Package notifier fans alerts out to one or more delivery channels
// (log line, Telegram, generic webhook) behind the single Notify method
// the rest of the codebase depends on.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier is the alerting surface callers depend on. internal/reconcile
// declares its own structurally-identical interface rather than importing
// this package, so the dependency only flows one way: cmd/bot wires a
// *Manager in wherever a Notifier is expected.
type Notifier interface {
	Notify(ctx context.Context, severity, kind, message string)
}

// Alert is the payload handed to every channel.
type Alert struct {
	Severity  string
	Kind      string
	Message   string
	Timestamp time.Time
}

// Channel delivers one Alert. Send failures are logged, never returned to
// the trading path: a broken webhook must not stall order submission.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// sendTimeout bounds each channel's delivery attempt independently so one
// slow channel cannot delay the others.
const sendTimeout = 10 * time.Second

// Manager fans an Alert out to every registered channel concurrently and
// does not wait for delivery to complete: alerting is deliberately kept
// off the trading path.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *logrus.Entry
}

// New builds a Manager with no channels. Call AddChannel to register
// delivery targets. A nil logger falls back to logrus's default.
func New(logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{logger: logger.WithField("component", "notifier")}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Notify implements Notifier.
func (m *Manager) Notify(ctx context.Context, severity, kind, message string) {
	alert := Alert{Severity: severity, Kind: kind, Message: message, Timestamp: time.Now()}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	m.logger.WithFields(logrus.Fields{"severity": severity, "kind": kind}).Info(message)

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, alert); err != nil {
				m.logger.WithFields(logrus.Fields{"channel": c.Name(), "error": err}).Warn("alert delivery failed")
			}
		}(ch)
	}
}
