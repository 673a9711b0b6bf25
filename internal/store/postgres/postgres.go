// Package postgres implements the store interfaces on PostgreSQL through a
// pgx connection pool. SQL for entity tables is generated from the entity
// descriptors; natural keys are enforced by unique indexes Migrate creates.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/store"
)

//go:embed schema.sql
var schema string

// Store is the PostgreSQL repository.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	stmts map[string]*statements
}

// Connect opens and pings a pool sized from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, stmts: make(map[string]*statements)}
}

// Close closes the pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate applies the embedded schema and (re)creates one natural key index
// per registered entity type. Indexes for keys no longer configured are dropped.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, t := range entity.All() {
		st := s.statementsFor(t)
		if _, err := s.pool.Exec(ctx, st.createIndex); err != nil {
			return fmt.Errorf("natural key index for %s: %w", t.Name, err)
		}

		rows, err := s.pool.Query(ctx,
			`SELECT indexname FROM pg_indexes WHERE tablename = $1 AND indexname LIKE $2 AND indexname <> $3`,
			t.Table, t.Table+"_natural_key_%", st.indexName)
		if err != nil {
			return fmt.Errorf("list indexes of %s: %w", t.Table, err)
		}
		stale, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list indexes of %s: %w", t.Table, err)
		}
		for _, name := range stale {
			if _, err := s.pool.Exec(ctx, "DROP INDEX IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
				return fmt.Errorf("drop stale index %s: %w", name, err)
			}
			slog.Info("dropped stale natural key index", "table", t.Table, "index", name)
		}
	}
	return nil
}

func (s *Store) statementsFor(t *entity.Type) *statements {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Key is part of the cache key: natural keys are configurable at startup.
	cacheKey := t.Name + "/" + strings.Join(t.NaturalKey, ",")
	st, ok := s.stmts[cacheKey]
	if !ok {
		st = buildStatements(t)
		s.stmts[cacheKey] = st
	}
	return st
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{s: s, tx: tx}, nil
}

// Find loads records of t ordered by id.
func (s *Store) Find(ctx context.Context, t *entity.Type, q store.Query) ([]store.Record, error) {
	st := s.statementsFor(t)

	var arg any = q.ClientID
	if t.Secondary() {
		if len(q.ParentIDs) == 0 {
			return nil, nil
		}
		arg = q.ParentIDs
	}

	rows, err := s.pool.Query(ctx, st.find, arg)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", t.Name, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Record, error) {
		e := t.New()
		var id, owner int64
		dest := make([]any, 0, len(t.Fields)+2)
		dest = append(dest, &id, &owner)
		for _, f := range t.Fields {
			dest = append(dest, f.Addr(e))
		}
		if err := row.Scan(dest...); err != nil {
			return store.Record{}, err
		}
		e.AssignID(id)
		if t.Secondary() {
			return store.Record{Entity: e, ParentID: owner}, nil
		}
		if sc, ok := e.(entity.Scoped); ok {
			sc.SetScope(owner)
		}
		return store.Record{Entity: e}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", t.Name, err)
	}
	return recs, nil
}

type pgTx struct {
	s  *Store
	tx pgx.Tx
}

// Upsert pipelines one statement per item. Under Skip, conflicting items
// are resolved to the existing id with a second pipelined lookup.
func (x *pgTx) Upsert(ctx context.Context, t *entity.Type, items []entity.Entity, p store.Policy) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	st := x.s.statementsFor(t)

	owners := make([]int64, len(items))
	batch := &pgx.Batch{}
	for i, item := range items {
		owner, err := ownerOf(t, item)
		if err != nil {
			return 0, err
		}
		owners[i] = owner
		sql := st.upsert
		if p == store.Skip {
			sql = st.insert
		}
		batch.Queue(sql, st.args(owner, item)...)
	}

	accepted := 0
	var conflicts []int
	br := x.tx.SendBatch(ctx, batch)
	for i, item := range items {
		var id int64
		err := br.QueryRow().Scan(&id)
		switch {
		case err == nil:
			item.AssignID(id)
			accepted++
		case p == store.Skip && errors.Is(err, pgx.ErrNoRows):
			conflicts = append(conflicts, i)
		default:
			br.Close()
			return accepted, fmt.Errorf("upsert %s: %w", t.Name, err)
		}
	}
	if err := br.Close(); err != nil {
		return accepted, fmt.Errorf("upsert %s: %w", t.Name, err)
	}

	if len(conflicts) == 0 {
		return accepted, nil
	}
	lookups := &pgx.Batch{}
	for _, i := range conflicts {
		lookups.Queue(st.lookup, st.keyArgs(owners[i], items[i])...)
	}
	lr := x.tx.SendBatch(ctx, lookups)
	defer lr.Close()
	for _, i := range conflicts {
		var id int64
		if err := lr.QueryRow().Scan(&id); err != nil {
			return accepted, fmt.Errorf("lookup existing %s: %w", t.Name, err)
		}
		items[i].AssignID(id)
	}
	return accepted, nil
}

func (x *pgTx) Commit(ctx context.Context) error {
	if err := x.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (x *pgTx) Rollback(ctx context.Context) error {
	err := x.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func ownerOf(t *entity.Type, e entity.Entity) (int64, error) {
	if t.Secondary() {
		return store.ParentID(e)
	}
	if sc, ok := e.(entity.Scoped); ok {
		return sc.Scope(), nil
	}
	return 0, nil
}

var _ store.Repository = (*Store)(nil)
