package memory

import (
	sq "github.com/Masterminds/squirrel"
)

const tableName = "memory_items"

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// SelectMemoryItemsColumns returns the standard column list for memory_items SELECT queries.
func SelectMemoryItemsColumns() []string {
	return []string{"id", "type", "data_json", "tags_json", "created_at", "last_accessed"}
}

// hasTag matches rows whose tags_json array contains tag.
func hasTag(tag string) sq.Sqlizer {
	return sq.Expr("EXISTS (SELECT 1 FROM json_each(memory_items.tags_json) WHERE json_each.value = ?)", tag)
}

// applyQuery adds the filters of q to a SELECT or DELETE builder's WHERE clause.
func applyQuery(q Query) sq.And {
	conds := sq.And{}
	if q.Type != "" {
		conds = append(conds, sq.Eq{"type": string(q.Type)})
	}
	for _, tag := range q.Tags {
		conds = append(conds, hasTag(tag))
	}
	if q.Search != "" {
		conds = append(conds, sq.Like{"data_json": "%" + q.Search + "%"})
	}
	if q.Since != nil {
		conds = append(conds, sq.GtOrEq{"created_at": q.Since.UnixMilli()})
	}
	if q.Before != nil {
		conds = append(conds, sq.Lt{"created_at": q.Before.UnixMilli()})
	}
	return conds
}
