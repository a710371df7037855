package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// NewSQLiteStore 打开（必要时创建）sqlite 数据库并应用表结构。
// 每个条目对应 entries 表中的一行，主键 (partition, request_key) 保证分区内唯一。
func NewSQLiteStore(path string, codec Codec) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	if codec == nil {
		codec = MsgpackCodec{}
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, codec: codec}, nil
}

type sqliteStore struct {
	db    *sql.DB
	codec Codec
}

type sqlitePartition struct {
	store *sqliteStore
	name  string
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if err := s.ensurePartition(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqlitePartition{store: s, name: name}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) ensurePartition(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	var payload []byte
	err := p.store.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE partition = ? AND request_key = ?`,
		p.name, key.String(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := p.store.codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return rec.Response(), nil
}

func (p *sqlitePartition) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := checkPut(key, resp); err != nil {
		return err
	}
	stored := stampStoredAt(resp)
	payload, err := p.store.codec.Encode(newRecord(key, stored))
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.store.ensurePartition(ctx, tx, p.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (partition, request_key, payload, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(partition, request_key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		p.name, key.String(), payload, toMillis(stored.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return tx.Commit()
}

func (p *sqlitePartition) Delete(ctx context.Context, key RequestKey) (bool, error) {
	res, err := p.store.db.ExecContext(ctx,
		`DELETE FROM entries WHERE partition = ? AND request_key = ?`,
		p.name, key.String(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := p.store.db.QueryContext(ctx,
		`SELECT request_key FROM entries WHERE partition = ? ORDER BY request_key`, p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := ParseRequestKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
