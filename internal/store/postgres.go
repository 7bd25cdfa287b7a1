package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/negentropy"
)

// DBConfig holds a Postgres connection.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	kind       INTEGER NOT NULL,
	tags       JSONB NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_created_at_idx ON events (created_at DESC, id);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind);
CREATE INDEX IF NOT EXISTS events_pubkey_idx ON events (pubkey);
`

// Postgres is an EventStore backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool, verifies it and ensures the schema.
func NewPostgres(ctx context.Context, cfg DBConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Save(ctx context.Context, event *nostr.Event) (SaveResult, error) {
	tags, err := json.Marshal(event.Tags)
	if err != nil {
		return SaveResult{Status: Rejected, Reason: "unencodable tags"}, nil
	}

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.PubKey, int64(event.CreatedAt), event.Kind, tags, event.Content, event.Sig,
	)
	if err != nil {
		return SaveResult{}, fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return SaveResult{Status: Duplicate}, nil
	}
	return SaveResult{Status: Saved}, nil
}

func (p *Postgres) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	where, args := buildWhere(filter)

	q := `SELECT id, pubkey, created_at, kind, tags, content, sig FROM events` +
		where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*nostr.Event
	for rows.Next() {
		var (
			ev        nostr.Event
			createdAt int64
			tagsRaw   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsRaw, &ev.Content, &ev.Sig); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.CreatedAt = nostr.Timestamp(createdAt)
		if err := json.Unmarshal(tagsRaw, &ev.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *Postgres) NegentropyItems(ctx context.Context, filter nostr.Filter) ([]negentropy.Item, error) {
	where, args := buildWhere(filter)

	rows, err := p.pool.Query(ctx,
		`SELECT id, created_at FROM events`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []negentropy.Item
	for rows.Next() {
		var (
			id        string
			createdAt int64
		)
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it, err := negentropy.NewItem(uint64(createdAt), id)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// buildWhere translates the supported filter fields into SQL. Tag queries
// fall back to a JSONB containment check per tag value.
func buildWhere(filter nostr.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.IDs) > 0 {
		clauses = append(clauses, `id = ANY(`+arg(filter.IDs)+`)`)
	}
	if len(filter.Authors) > 0 {
		clauses = append(clauses, `pubkey = ANY(`+arg(filter.Authors)+`)`)
	}
	if len(filter.Kinds) > 0 {
		clauses = append(clauses, `kind = ANY(`+arg(filter.Kinds)+`)`)
	}
	if filter.Since != nil {
		clauses = append(clauses, `created_at >= `+arg(int64(*filter.Since)))
	}
	if filter.Until != nil {
		clauses = append(clauses, `created_at <= `+arg(int64(*filter.Until)))
	}
	for name, values := range filter.Tags {
		var tagOr []string
		for _, v := range values {
			pair, _ := json.Marshal([][]string{{name, v}})
			tagOr = append(tagOr, `tags @> `+arg(string(pair)))
		}
		if len(tagOr) > 0 {
			clauses = append(clauses, `(`+strings.Join(tagOr, ` OR `)+`)`)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, ` AND `), args
}
