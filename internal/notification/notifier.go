// Package notification delivers admitted trade signals to external channels
// (Telegram, webhooks) and to the process log. The dispatcher consumes the
// signal bus through a bounded queue so delivery latency never stalls the
// pipeline.
package notification

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"tradecopilot/internal/bus"
	"tradecopilot/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one outbound notification.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Symbol  string     `json:"symbol,omitempty"`
	RuleID  string     `json:"ruleId,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the process log (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// SignalAlert formats an admitted signal for delivery.
func SignalAlert(s *model.Signal) Alert {
	dir := "LONG"
	if s.Direction == model.DirShort {
		dir = "SHORT"
	}
	return Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("%s %s %s", s.Symbol, dir, s.RuleID),
		Message: fmt.Sprintf("confidence %.2f, entry %.2f-%.2f, stop %.2f (%s)",
			s.Confidence, s.EntryZone[0], s.EntryZone[1], s.Stop, s.Timeframe),
		Symbol: s.Symbol,
		RuleID: s.RuleID,
	}
}

// Dispatcher fans admitted signals out to the configured notifiers. The bus
// listener only enqueues; a full queue drops the alert and counts it.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Alert
	dropped   atomic.Uint64
	sub       *bus.Subscription

	// SendTimeout bounds one backend delivery. Default 10s.
	SendTimeout time.Duration
}

// NewDispatcher builds a dispatcher over the given backends.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers:   notifiers,
		queue:       make(chan Alert, 64),
		SendTimeout: 10 * time.Second,
	}
}

// Attach subscribes to admitted signals. Call before Run.
func (d *Dispatcher) Attach(b *bus.Bus) {
	d.sub = b.Subscribe(bus.SignalSubject, func(v any) {
		s, ok := v.(*model.Signal)
		if !ok {
			return
		}
		d.Enqueue(SignalAlert(s))
	})
}

// Enqueue queues one alert for delivery without blocking.
func (d *Dispatcher) Enqueue(a Alert) {
	select {
	case d.queue <- a:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many alerts were lost to a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers queued alerts until ctx is cancelled. Backend failures are
// logged and never retried; the signal remains visible on the SSE stream.
func (d *Dispatcher) Run(ctx context.Context) {
	defer func() {
		if d.sub != nil {
			d.sub.Unsubscribe()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			for _, n := range d.notifiers {
				sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
				if err := n.Send(sendCtx, a); err != nil {
					log.Printf("[notify] send failed: %v", err)
				}
				cancel()
			}
		}
	}
}
