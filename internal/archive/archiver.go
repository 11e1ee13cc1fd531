// Package archive moves terminal orders and old trades out of the primary
// store into JSONL files in object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrade/internal/domain"
)

const (
	// DefaultBatchSize caps how many rows go into one archive file.
	DefaultBatchSize = 5000
	// DefaultSchedule runs the archiver daily at 03:00 UTC.
	DefaultSchedule = "0 3 * * *"

	contentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
	partSize           = 5 * 1024 * 1024
)

// Config controls retention and batching.
type Config struct {
	RetentionDays int
	BatchSize     int
}

// Result counts the rows moved by one run.
type Result struct {
	Orders int64
	Trades int64
	Files  []string
}

// Archiver exports and then deletes rows older than the retention window.
// Rows are only deleted once their file has been uploaded.
type Archiver struct {
	orders domain.OrderStore
	trades domain.TradeStore
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Archiver. reader and audit may be nil.
func New(
	orders domain.OrderStore,
	trades domain.TradeStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	cfg Config,
	logger *slog.Logger,
) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	return &Archiver{
		orders: orders,
		trades: trades,
		writer: writer,
		reader: reader,
		audit:  audit,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// WithClock overrides the time source.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Task adapts Run to the scheduler.
func (a *Archiver) Task() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := a.Run(ctx)
		return err
	}
}

// Run archives everything older than the retention window.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	runAt := a.now()
	cutoff := runAt.Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.cfg.RetentionDays),
	)

	var res Result
	orders, files, err := archiveKind(ctx, a, "orders", runAt,
		func(ctx context.Context) ([]domain.Order, error) {
			return a.orders.ListTerminalBefore(ctx, cutoff, a.cfg.BatchSize)
		},
		func(o domain.Order) string { return o.ID },
		a.orders.DeleteBatch,
	)
	res.Orders, res.Files = orders, append(res.Files, files...)
	if err != nil {
		return res, err
	}

	trades, files, err := archiveKind(ctx, a, "trades", runAt,
		func(ctx context.Context) ([]domain.Trade, error) {
			return a.trades.ListBefore(ctx, cutoff, a.cfg.BatchSize)
		},
		func(t domain.Trade) string { return t.ID },
		a.trades.DeleteBatch,
	)
	res.Trades, res.Files = trades, append(res.Files, files...)
	if err != nil {
		return res, err
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("orders_archived", res.Orders),
		slog.Int64("trades_archived", res.Trades),
		slog.Int("files", len(res.Files)),
	)
	return res, nil
}

// archiveKind drains one table batch by batch: list, upload, audit, delete.
func archiveKind[T any](
	ctx context.Context,
	a *Archiver,
	kind string,
	runAt time.Time,
	list func(context.Context) ([]T, error),
	id func(T) string,
	del func(context.Context, []string) (int64, error),
) (int64, []string, error) {
	var (
		total int64
		files []string
	)
	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return total, files, err
		}
		rows, err := list(ctx)
		if err != nil {
			return total, files, fmt.Errorf("archive: list %s: %w", kind, err)
		}
		if len(rows) == 0 {
			return total, files, nil
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, files, fmt.Errorf("archive: marshal %s: %w", kind, err)
		}
		path, err := a.freePath(ctx, kind, runAt, batch)
		if err != nil {
			return total, files, err
		}
		if err := a.upload(ctx, path, buf); err != nil {
			return total, files, fmt.Errorf("archive: upload %s: %w", kind, err)
		}
		files = append(files, path)

		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = id(r)
		}
		deleted, err := del(ctx, ids)
		if err != nil {
			return total, files, fmt.Errorf("archive: delete %s: %w", kind, err)
		}
		total += deleted

		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
				"path":    path,
				"count":   len(rows),
				"deleted": deleted,
			}); err != nil {
				a.logger.WarnContext(ctx, "audit archive batch", slog.String("error", err.Error()))
			}
		}
		// Nothing was removed, so the next list would return the same rows.
		if deleted == 0 {
			return total, files, nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) >= multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), partSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), contentType)
}

// freePath returns the first archive path for this batch that is not taken.
func (a *Archiver) freePath(ctx context.Context, kind string, runAt time.Time, batch int) (string, error) {
	for n := batch; ; n++ {
		path := archivePath(kind, runAt, n)
		if a.reader == nil {
			return path, nil
		}
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("archive: check %s: %w", path, err)
		}
		if !exists {
			return path, nil
		}
	}
}

// archivePath builds the object key. The first batch of a run is
//
//	archive/orders/2026-10-19-1760842800.jsonl
//
// and later batches add a -N suffix.
func archivePath(kind string, runAt time.Time, batch int) string {
	base := fmt.Sprintf("archive/%s/%s-%d", kind, runAt.Format("2006-01-02"), runAt.Unix())
	if batch > 0 {
		base = fmt.Sprintf("%s-%d", base, batch)
	}
	return base + ".jsonl"
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
