package storage

import (
	"fmt"
	"strings"

	"go-dcb/pkg/dcb"
)

// buildWhereClause translates a dcb.Query into a parameterized SQL
// predicate ORing together one clause per QueryItem, each item ANDing a
// "type = ANY(...)" check (when event types are given) with a "tags @>
// ...::text[]" containment check for the required tag set (subset match).
// argOffset lets callers place the clause after other positional
// parameters (e.g. the cursor).
func buildWhereClause(q dcb.Query, argOffset int) (clause string, args []any) {
	items := q.Items()
	if len(items) == 0 {
		return "TRUE", nil
	}

	var branches []string
	next := argOffset + 1

	for _, item := range items {
		var conds []string

		if types := item.EventTypes(); len(types) > 0 {
			conds = append(conds, fmt.Sprintf("type = ANY($%d)", next))
			args = append(args, types)
			next++
		}

		if tags := item.Tags(); len(tags) > 0 {
			conds = append(conds, fmt.Sprintf("tags @> $%d::text[]", next))
			args = append(args, dcb.TagsToArray(tags))
			next++
		}

		if len(conds) == 0 {
			// An item with neither types nor tags matches everything.
			branches = []string{"TRUE"}
			args = nil
			break
		}
		branches = append(branches, "("+strings.Join(conds, " AND ")+")")
	}

	return strings.Join(branches, " OR "), args
}

// buildReadSQL builds the full SELECT for Query/QueryStream, scoped to
// position > afterPosition, ordered ascending, honoring an optional limit
// (0 = unbounded).
func buildReadSQL(q dcb.Query, afterPosition int64, limit int) (string, []any) {
	whereTags, tagArgs := buildWhereClause(q, 1)

	args := []any{afterPosition}
	args = append(args, tagArgs...)

	sqlText := fmt.Sprintf(
		`SELECT type, tags, data, transaction_id, position, occurred_at
		   FROM events
		  WHERE position > $1 AND (%s)
		  ORDER BY position ASC`,
		whereTags,
	)
	if limit > 0 {
		sqlText += fmt.Sprintf(" LIMIT %d", limit)
	}
	return sqlText, args
}
