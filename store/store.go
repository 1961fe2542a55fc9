// Package store persists documents and their change logs in Postgres, and
// owns the merge transaction that compacts a log into its snapshot.
package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/FantRS/co-write/apperr"
)

// Config is the Postgres endpoint configuration.
type Config struct {
	User     string `long:"user" env:"POSTGRES_USER" description:"Postgres user"`
	Password string `long:"password" env:"POSTGRES_PASSWORD" description:"Postgres password"`
	Host     string `long:"host" env:"POSTGRES_HOST" description:"Postgres host"`
	Port     uint16 `long:"port" env:"POSTGRES_PORT" description:"Postgres port"`
	DBName   string `long:"db" env:"POSTGRES_DB" description:"Postgres database name"`
	MaxConns int32  `long:"max-conn" env:"DB_MAX_CONN" default:"5" description:"Maximum connections of the Postgres pool"`
	Migrate  bool   `long:"migrate" env:"MIGRATE_RUN" description:"Apply bundled schema migrations on startup"`
}

// Validate the configuration.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"POSTGRES_USER", c.User},
		{"POSTGRES_PASSWORD", c.Password},
		{"POSTGRES_HOST", c.Host},
		{"POSTGRES_DB", c.DBName},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing required configuration '%s'", req[0])
		}
	}
	if c.Port == 0 {
		return fmt.Errorf("missing required configuration 'POSTGRES_PORT'")
	}
	return nil
}

// ToURI converts the Config to a connection URI. The pool size rides along
// as pool_max_conns, which pgxpool reads natively.
func (c *Config) ToURI() string {
	var uri = url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		User:   url.UserPassword(c.User, c.Password),
		Path:   "/" + c.DBName,
	}
	if c.MaxConns > 0 {
		uri.RawQuery = fmt.Sprintf("pool_max_conns=%d", c.MaxConns)
	}
	return uri.String()
}

// ChangeRecord is one logged change of a document.
type ChangeRecord struct {
	ID      int64
	Payload []byte
}

// Store is the persistence gateway over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the configured endpoint and verifies it with
// a ping.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"user":     cfg.User,
		"database": cfg.DBName,
	}).Info("opening database")

	var pool, err = pgxpool.Connect(ctx, cfg.ToURI())
	if err != nil {
		return nil, fmt.Errorf("opening Postgres pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging Postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

const (
	createDocumentSQL = `INSERT INTO documents (title, snapshot) VALUES ($1, $2) RETURNING id::text;`
	readSnapshotSQL   = `SELECT snapshot FROM documents WHERE id = $1;`
	readTitleSQL      = `SELECT title FROM documents WHERE id = $1;`
	appendChangeSQL   = `INSERT INTO document_updates (document_id, payload) VALUES ($1, $2);`
	listChangesSQL    = `SELECT id, payload FROM document_updates WHERE document_id = $1 ORDER BY created_at, id;`
	updateSnapshotSQL = `UPDATE documents SET snapshot = $2, updated_at = now() WHERE id = $1;`
	deleteChangesSQL  = `DELETE FROM document_updates WHERE id = ANY($1);`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting reads run
// inside or outside the merge transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// CreateDocument inserts a document with the given title and initial
// snapshot, returning its generated id.
func (s *Store) CreateDocument(ctx context.Context, title string, snapshot []byte) (uuid.UUID, error) {
	var idText string
	if err := s.pool.QueryRow(ctx, createDocumentSQL, title, snapshot).Scan(&idText); err != nil {
		return uuid.Nil, apperr.FromStore(err)
	}
	var id, err = uuid.Parse(idText)
	if err != nil {
		return uuid.Nil, apperr.Internal(fmt.Errorf("parsing generated document id: %w", err))
	}
	return id, nil
}

// ReadSnapshot returns the document's current snapshot.
func (s *Store) ReadSnapshot(ctx context.Context, docID uuid.UUID) ([]byte, error) {
	return readSnapshot(ctx, s.pool, docID)
}

// ReadTitle returns the document's title.
func (s *Store) ReadTitle(ctx context.Context, docID uuid.UUID) (string, error) {
	var title string
	if err := s.pool.QueryRow(ctx, readTitleSQL, docID.String()).Scan(&title); err != nil {
		return "", apperr.FromStore(err)
	}
	return title, nil
}

// AppendChange logs one change payload for the document.
func (s *Store) AppendChange(ctx context.Context, docID uuid.UUID, payload []byte) error {
	if _, err := s.pool.Exec(ctx, appendChangeSQL, docID.String(), payload); err != nil {
		return apperr.FromStore(err)
	}
	return nil
}

// ListChanges returns the document's logged changes in replay order.
func (s *Store) ListChanges(ctx context.Context, docID uuid.UUID) ([]ChangeRecord, error) {
	return listChanges(ctx, s.pool, docID)
}

func readSnapshot(ctx context.Context, q querier, docID uuid.UUID) ([]byte, error) {
	var snapshot []byte
	if err := q.QueryRow(ctx, readSnapshotSQL, docID.String()).Scan(&snapshot); err != nil {
		return nil, apperr.FromStore(err)
	}
	return snapshot, nil
}

func listChanges(ctx context.Context, q querier, docID uuid.UUID) ([]ChangeRecord, error) {
	var rows, err = q.Query(ctx, listChangesSQL, docID.String())
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err = rows.Scan(&rec.ID, &rec.Payload); err != nil {
			return nil, apperr.FromStore(err)
		}
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, apperr.FromStore(err)
	}
	return out, nil
}

// Begin opens a merge transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	var txn, err = s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return &Tx{txn: txn}, nil
}

// Tx scopes one merge cycle: reading the snapshot and pending changes,
// writing the folded snapshot, and deleting exactly the folded records
// commit or roll back together.
type Tx struct {
	txn pgx.Tx
}

// ReadSnapshot returns the document's snapshot as of the transaction.
func (t *Tx) ReadSnapshot(ctx context.Context, docID uuid.UUID) ([]byte, error) {
	return readSnapshot(ctx, t.txn, docID)
}

// ListChanges returns the document's logged changes in replay order, as of
// the transaction.
func (t *Tx) ListChanges(ctx context.Context, docID uuid.UUID) ([]ChangeRecord, error) {
	return listChanges(ctx, t.txn, docID)
}

// UpdateSnapshot replaces the document's snapshot and bumps updated_at.
func (t *Tx) UpdateSnapshot(ctx context.Context, docID uuid.UUID, snapshot []byte) error {
	var tag, err = t.txn.Exec(ctx, updateSnapshotSQL, docID.String(), snapshot)
	if err != nil {
		return apperr.FromStore(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document %s not found", docID)
	}
	return nil
}

// DeleteChanges removes the identified change records.
func (t *Tx) DeleteChanges(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.txn.Exec(ctx, deleteChangesSQL, ids); err != nil {
		return apperr.FromStore(err)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing merge transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op, so
// it can run deferred.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.txn.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("rolling back merge transaction: %w", err)
	}
	return nil
}
