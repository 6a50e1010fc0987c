package postgres

import (
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// listQuery appends the ListOpts window and paging to base, which must end
// in a WHERE clause. column is the timestamp Since and Until filter on.
//
//	sql, args := listQuery(`SELECT ... FROM t WHERE true`, nil, "created_at", "id DESC", opts)
func listQuery(base string, args pgx.NamedArgs, column, orderBy string, opts domain.ListOpts) (string, pgx.NamedArgs) {
	if args == nil {
		args = pgx.NamedArgs{}
	}
	var b strings.Builder
	b.WriteString(base)
	if opts.Since != nil {
		b.WriteString(" AND " + column + " >= @since")
		args["since"] = *opts.Since
	}
	if opts.Until != nil {
		b.WriteString(" AND " + column + " <= @until")
		args["until"] = *opts.Until
	}
	b.WriteString(" ORDER BY " + orderBy)
	if opts.Limit > 0 {
		b.WriteString(" LIMIT @limit")
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET @offset")
		args["offset"] = opts.Offset
	}
	return b.String(), args
}
