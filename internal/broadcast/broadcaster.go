// Package broadcast publishes execution and price events to the signal bus
// and forwards executions to operator notifications.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

// ExecutionStream is the durable stream that records every execution event.
const ExecutionStream = "stream:executions"

const notifyTimeout = 15 * time.Second

// ExecutionNotifier is satisfied by *notify.Notifier.
type ExecutionNotifier interface {
	NotifyExecution(ctx context.Context, ev domain.ExecutionEvent) error
}

// Broadcaster is the single outlet for push events. Failures are logged and
// never propagated to the caller: a committed trade stays committed whether
// or not anyone hears about it.
type Broadcaster struct {
	bus      domain.SignalBus
	notifier ExecutionNotifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates a Broadcaster. notifier may be nil.
func New(bus domain.SignalBus, notifier ExecutionNotifier, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "broadcaster")),
	}
}

// Execution publishes ev on the executions channel, appends it to the
// execution stream and hands it to the notifier in the background.
func (b *Broadcaster) Execution(ctx context.Context, ev domain.ExecutionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.ErrorContext(ctx, "marshal execution event", slog.String("error", err.Error()))
		return
	}
	if err := b.bus.Publish(ctx, domain.ChannelExecutions, payload); err != nil {
		b.logger.WarnContext(ctx, "publish execution event",
			slog.String("event", ev.Type),
			slog.String("user_id", ev.UserID),
			slog.String("error", err.Error()),
		)
	}
	if err := b.bus.StreamAppend(ctx, ExecutionStream, payload); err != nil {
		b.logger.WarnContext(ctx, "append execution stream", slog.String("error", err.Error()))
	}

	if b.notifier == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := b.notifier.NotifyExecution(nctx, ev); err != nil {
			b.logger.Warn("notify execution", slog.String("error", err.Error()))
		}
	}()
}

// Price publishes a price update on the prices channel.
func (b *Broadcaster) Price(ctx context.Context, upd domain.PriceUpdate) {
	if upd.Type == "" {
		upd.Type = domain.EventPriceUpdate
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		b.logger.ErrorContext(ctx, "marshal price update", slog.String("error", err.Error()))
		return
	}
	if err := b.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
		b.logger.WarnContext(ctx, "publish price update",
			slog.String("coin_id", upd.InstrumentID),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns up to count execution events recorded after lastID.
func (b *Broadcaster) Recent(ctx context.Context, lastID string, count int) ([]domain.ExecutionEvent, string, error) {
	msgs, err := b.bus.StreamRead(ctx, ExecutionStream, lastID, count)
	if err != nil {
		return nil, lastID, fmt.Errorf("broadcast: read executions: %w", err)
	}
	events := make([]domain.ExecutionEvent, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.ExecutionEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		events = append(events, ev)
		lastID = m.ID
	}
	return events, lastID, nil
}

// Wait blocks until in-flight notifications finish.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}
