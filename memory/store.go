package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists memory items in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates and returns a Store over an already migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "memory_store").Logger()
	logger.Info().Msg("Initializing memory store")
	return &Store{db: db, logger: logger, now: time.Now}
}

// NewID returns a new memory item id of the form mem_<unix-ms>_<random>.
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("mem_%d_%s", time.Now().UnixMilli(), suffix)
}

// AddMemoryItem stores item. Credentials are keyed by data.service and go through
// UpsertByServiceKey; every other type is inserted as a new record.
func (s *Store) AddMemoryItem(ctx context.Context, item NewItem) (MemoryItem, error) {
	s.logger.Debug().
		Str("method", "AddMemoryItem").
		Str("type", string(item.Type)).
		Strs("tags", item.Tags).
		Msg("called")
	if item.Type == TypeCredentials {
		return s.UpsertByServiceKey(ctx, item.Data, item.Tags)
	}
	return s.Insert(ctx, item)
}

// Insert creates a new memory item. Credentials must use UpsertByServiceKey.
func (s *Store) Insert(ctx context.Context, item NewItem) (MemoryItem, error) {
	if !item.Type.Valid() {
		return MemoryItem{}, fmt.Errorf("invalid memory type: %q", item.Type)
	}
	if item.Type == TypeCredentials {
		return MemoryItem{}, errors.New("credentials must be written with UpsertByServiceKey")
	}
	if item.ID == "" {
		item.ID = NewID()
	}
	if item.Data == nil {
		item.Data = map[string]any{}
	}
	tags := normalizeTags(item.Tags)

	dataJSON, tagsJSON, err := encode(item.Data, tags)
	if err != nil {
		return MemoryItem{}, err
	}
	created := s.now()

	query := StatementBuilder().
		Insert(tableName).
		Columns("id", "type", "data_json", "tags_json", "created_at").
		Values(item.ID, string(item.Type), dataJSON, tagsJSON, created.UnixMilli())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return MemoryItem{}, fmt.Errorf("build insert query: %w", err)
	}

	err = s.withRetry(ctx, "insert", func() error {
		_, err := s.db.ExecContext(ctx, queryStr, args...)
		return err
	})
	if err != nil {
		s.logger.Error().
			Str("method", "Insert").
			Str("id", item.ID).
			Err(err).
			Msg("Failed to insert memory item")
		return MemoryItem{}, err
	}

	s.logger.Debug().
		Str("method", "Insert").
		Str("id", item.ID).
		Str("type", string(item.Type)).
		Msg("memory item stored")

	return MemoryItem{
		ID:        item.ID,
		Type:      item.Type,
		Data:      item.Data,
		Tags:      tags,
		CreatedAt: time.UnixMilli(created.UnixMilli()),
	}, nil
}

// UpsertByServiceKey writes a credentials item keyed by data["service"]. When an item
// for the service exists its data is merged with the new data, tags are unioned and
// LastAccessed is refreshed; CreatedAt and ID are kept.
func (s *Store) UpsertByServiceKey(ctx context.Context, data map[string]any, tags []string) (MemoryItem, error) {
	service, _ := data["service"].(string)
	if strings.TrimSpace(service) == "" {
		return MemoryItem{}, errors.New("credentials require a non-empty data.service")
	}

	var result MemoryItem
	err := s.withRetry(ctx, "upsert", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		selectStr, selectArgs, err := StatementBuilder().
			Select(SelectMemoryItemsColumns()...).
			From(tableName).
			Where(sq.Eq{"type": string(TypeCredentials), "service": service}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build select query: %w", err)
		}

		existing, err := scanItem(tx.QueryRowContext(ctx, selectStr, selectArgs...))
		nowTime := s.now()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			result = MemoryItem{
				ID:        NewID(),
				Type:      TypeCredentials,
				Data:      copyMap(data),
				Tags:      normalizeTags(tags),
				CreatedAt: time.UnixMilli(nowTime.UnixMilli()),
			}
			dataJSON, tagsJSON, err := encode(result.Data, result.Tags)
			if err != nil {
				return err
			}
			insertStr, insertArgs, err := StatementBuilder().
				Insert(tableName).
				Columns("id", "type", "data_json", "tags_json", "service", "created_at").
				Values(result.ID, string(TypeCredentials), dataJSON, tagsJSON, service, nowTime.UnixMilli()).
				ToSql()
			if err != nil {
				return fmt.Errorf("build insert query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, insertStr, insertArgs...); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			merged := copyMap(existing.Data)
			for k, v := range data {
				merged[k] = v
			}
			accessed := time.UnixMilli(nowTime.UnixMilli())
			result = existing
			result.Data = merged
			result.Tags = normalizeTags(append(existing.Tags, tags...))
			result.LastAccessed = &accessed

			dataJSON, tagsJSON, err := encode(result.Data, result.Tags)
			if err != nil {
				return err
			}
			updateStr, updateArgs, err := StatementBuilder().
				Update(tableName).
				Set("data_json", dataJSON).
				Set("tags_json", tagsJSON).
				Set("last_accessed", accessed.UnixMilli()).
				Where(sq.Eq{"id": existing.ID}).
				ToSql()
			if err != nil {
				return fmt.Errorf("build update query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, updateStr, updateArgs...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		s.logger.Error().
			Str("method", "UpsertByServiceKey").
			Str("service", service).
			Err(err).
			Msg("Failed to upsert credentials")
		return MemoryItem{}, err
	}

	s.logger.Info().
		Str("method", "UpsertByServiceKey").
		Str("service", service).
		Str("id", result.ID).
		Msg("credentials stored")
	return result, nil
}

// Get returns the item with id and refreshes its LastAccessed time.
func (s *Store) Get(ctx context.Context, id string) (MemoryItem, error) {
	accessed := time.UnixMilli(s.now().UnixMilli())
	updateStr, updateArgs, err := StatementBuilder().
		Update(tableName).
		Set("last_accessed", accessed.UnixMilli()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return MemoryItem{}, fmt.Errorf("build update query: %w", err)
	}
	selectStr, selectArgs, err := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return MemoryItem{}, fmt.Errorf("build select query: %w", err)
	}

	var item MemoryItem
	err = s.withRetry(ctx, "get", func() error {
		res, err := s.db.ExecContext(ctx, updateStr, updateArgs...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		item, err = scanItem(s.db.QueryRowContext(ctx, selectStr, selectArgs...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return MemoryItem{}, err
	}
	return item, nil
}

// Credentials returns the stored credentials for service.
func (s *Store) Credentials(ctx context.Context, service string) (MemoryItem, error) {
	selectStr, selectArgs, err := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From(tableName).
		Where(sq.Eq{"type": string(TypeCredentials), "service": service}).
		ToSql()
	if err != nil {
		return MemoryItem{}, fmt.Errorf("build select query: %w", err)
	}
	var item MemoryItem
	err = s.withRetry(ctx, "credentials", func() error {
		item, err = scanItem(s.db.QueryRowContext(ctx, selectStr, selectArgs...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return MemoryItem{}, err
	}
	return item, nil
}

// Query returns the items matching q in insertion order (or newest first when q.Newest).
func (s *Store) Query(ctx context.Context, q Query) ([]MemoryItem, error) {
	s.logger.Debug().
		Str("method", "Query").
		Str("type", string(q.Type)).
		Strs("tags", q.Tags).
		Int("limit", q.Limit).
		Msg("called")

	builder := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From(tableName).
		Where(applyQuery(q))
	if q.Newest {
		builder = builder.OrderBy("created_at DESC", "rowid DESC")
	} else {
		builder = builder.OrderBy("created_at ASC", "rowid ASC")
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	queryStr, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	var items []MemoryItem
	err = s.withRetry(ctx, "query", func() error {
		items = items[:0]
		rows, err := s.db.QueryContext(ctx, queryStr, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		s.logger.Error().
			Str("method", "Query").
			Err(err).
			Msg("Failed to query memory items")
		return nil, err
	}
	return items, nil
}

// GetByType returns every item of typ in insertion order.
func (s *Store) GetByType(ctx context.Context, typ Type) ([]MemoryItem, error) {
	return s.Query(ctx, Query{Type: typ})
}

// GetByTags returns the items carrying all of tags.
func (s *Store) GetByTags(ctx context.Context, tags ...string) ([]MemoryItem, error) {
	return s.Query(ctx, Query{Tags: tags})
}

// Update replaces the data of item id, and its tags when u.Tags is non-nil.
func (s *Store) Update(ctx context.Context, id string, u Update) (MemoryItem, error) {
	var item MemoryItem
	err := s.withRetry(ctx, "update", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		selectStr, selectArgs, err := StatementBuilder().
			Select(SelectMemoryItemsColumns()...).
			From(tableName).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build select query: %w", err)
		}
		item, err = scanItem(tx.QueryRowContext(ctx, selectStr, selectArgs...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if u.Data != nil {
			item.Data = u.Data
		}
		if u.Tags != nil {
			item.Tags = normalizeTags(u.Tags)
		}
		accessed := time.UnixMilli(s.now().UnixMilli())
		item.LastAccessed = &accessed

		dataJSON, tagsJSON, err := encode(item.Data, item.Tags)
		if err != nil {
			return err
		}
		updateStr, updateArgs, err := StatementBuilder().
			Update(tableName).
			Set("data_json", dataJSON).
			Set("tags_json", tagsJSON).
			Set("last_accessed", accessed.UnixMilli()).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, updateStr, updateArgs...); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return MemoryItem{}, err
	}
	return item, nil
}

// Delete removes the item with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	queryStr, args, err := StatementBuilder().
		Delete(tableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	return s.withRetry(ctx, "delete", func() error {
		res, err := s.db.ExecContext(ctx, queryStr, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Clear deletes every item of the given types, or everything when none are given.
func (s *Store) Clear(ctx context.Context, types ...Type) (int64, error) {
	builder := StatementBuilder().Delete(tableName)
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		builder = builder.Where(sq.Eq{"type": names})
	}
	return s.deleteWhere(ctx, "clear", builder)
}

// DeleteBefore removes items of typ created before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, typ Type, cutoff time.Time) (int64, error) {
	builder := StatementBuilder().
		Delete(tableName).
		Where(applyQuery(Query{Type: typ, Before: &cutoff}))
	return s.deleteWhere(ctx, "delete_before", builder)
}

func (s *Store) deleteWhere(ctx context.Context, op string, builder sq.DeleteBuilder) (int64, error) {
	queryStr, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}
	var removed int64
	err = s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, queryStr, args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().
		Str("method", op).
		Int64("removed", removed).
		Msg("memory items deleted")
	return removed, nil
}

// Count returns the number of items of typ, or of all items when typ is empty.
func (s *Store) Count(ctx context.Context, typ Type) (int, error) {
	queryStr, args, err := StatementBuilder().
		Select("COUNT(*)").
		From(tableName).
		Where(applyQuery(Query{Type: typ})).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	err = s.withRetry(ctx, "count", func() error {
		return s.db.QueryRowContext(ctx, queryStr, args...).Scan(&n)
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (MemoryItem, error) {
	var (
		item         MemoryItem
		typ          string
		dataJSON     string
		tagsJSON     string
		createdAt    int64
		lastAccessed sql.NullInt64
	)
	if err := row.Scan(&item.ID, &typ, &dataJSON, &tagsJSON, &createdAt, &lastAccessed); err != nil {
		return MemoryItem{}, err
	}
	item.Type = Type(typ)
	item.CreatedAt = time.UnixMilli(createdAt)
	if lastAccessed.Valid {
		t := time.UnixMilli(lastAccessed.Int64)
		item.LastAccessed = &t
	}
	if err := json.Unmarshal([]byte(dataJSON), &item.Data); err != nil {
		return MemoryItem{}, fmt.Errorf("decode data of %s: %w", item.ID, err)
	}
	if item.Data == nil {
		item.Data = map[string]any{}
	}
	if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
		return MemoryItem{}, fmt.Errorf("decode tags of %s: %w", item.ID, err)
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}
	return item, nil
}

func encode(data map[string]any, tags []string) (string, string, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", "", fmt.Errorf("marshal data: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(dataJSON), string(tagsJSON), nil
}

// normalizeTags drops empty and duplicate tags, keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
