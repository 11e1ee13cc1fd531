// Package notify delivers execution alerts to operator chat channels.
// Notifications fan out to every registered sender and can be filtered by
// event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// Sender is implemented by each notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to one or more Senders. Notify only forwards events in
// the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and event filter.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends title and message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyExecution formats an execution event and sends it through Notify.
func (n *Notifier) NotifyExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	title, message := FormatExecution(ev)
	return n.Notify(ctx, ev.Type, title, message)
}

// FormatExecution renders the title and body used for an execution alert.
func FormatExecution(ev domain.ExecutionEvent) (title, message string) {
	symbol := strings.ToUpper(ev.InstrumentSymbol)
	if symbol == "" {
		symbol = ev.InstrumentID
	}
	switch ev.Type {
	case domain.EventOrderFailed:
		title = fmt.Sprintf("Order failed: %s %s", ev.Side, symbol)
		message = fmt.Sprintf("user %s order %s: %s", ev.UserID, ev.OrderID, ev.Reason)
		return title, message
	case domain.EventStrategyExecuted:
		title = fmt.Sprintf("Strategy fired: %s %s %s", ev.Side, ev.Quantity.String(), symbol)
	case domain.EventOrderFilled:
		title = fmt.Sprintf("Order filled: %s %s %s", ev.Side, ev.Quantity.String(), symbol)
	default:
		title = fmt.Sprintf("Trade: %s %s %s", ev.Side, ev.Quantity.String(), symbol)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "user %s @ %s = %s", ev.UserID, ev.Price.String(), ev.Total.StringFixed(2))
	if ev.OrderID != "" {
		fmt.Fprintf(&b, "\norder %s", ev.OrderID)
	}
	if ev.StrategyID != "" {
		fmt.Fprintf(&b, "\nstrategy %s", ev.StrategyID)
	}
	return title, b.String()
}

// dispatch attempts every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
