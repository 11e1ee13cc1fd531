package postgres

import (
	"fmt"

	"github.com/alanyoungcy/papertrade/internal/domain"
	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// listQuery appends the time window, ordering and paging of opts to query.
// col is the timestamp column the window applies to.
func listQuery(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	next := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", col, next)
		args = append(args, *opts.Since)
		next++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", col, next)
		args = append(args, *opts.Until)
		next++
	}
	query += fmt.Sprintf(" ORDER BY %s DESC", col)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", next)
		args = append(args, opts.Limit)
		next++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", next)
		args = append(args, opts.Offset)
	}
	return query, args
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse %s %q: %w", field, s, err)
	}
	return d, nil
}

func parseDecimalPtr(field string, s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(field, *s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
