// Package journal persists built transactions and market graduation snapshots in postgres.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS build_journal (
			id BIGSERIAL PRIMARY KEY,
			operation TEXT NOT NULL,
			user_pubkey TEXT NOT NULL,
			subject TEXT NOT NULL,
			instructions TEXT NOT NULL,
			signed_by TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_build_journal_user_time ON build_journal(user_pubkey, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_build_journal_subject_time ON build_journal(subject, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS graduation_snapshots (
			market TEXT PRIMARY KEY,
			base_balance TEXT NOT NULL,
			quote_balance TEXT NOT NULL,
			percentage TEXT NOT NULL,
			graduated INTEGER NOT NULL,
			graduated_at BIGINT,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS graduation_events (
			id BIGSERIAL PRIMARY KEY,
			market TEXT NOT NULL UNIQUE,
			quote_balance TEXT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// Entry describes one transaction handed to a client for countersigning.
type Entry struct {
	Operation    string
	User         string
	Subject      string
	Instructions []string
	SignedBy     []string
	Payload      any
}

func (s *Store) RecordBuild(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode journal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO build_journal (
			operation, user_pubkey, subject, instructions, signed_by, raw_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.Operation,
		entry.User,
		entry.Subject,
		strings.Join(entry.Instructions, ","),
		strings.Join(entry.SignedBy, ","),
		string(raw),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert build journal: %w", err)
	}
	return nil
}

type BuildRecord struct {
	ID           int64    `json:"id"`
	Operation    string   `json:"operation"`
	User         string   `json:"user"`
	Subject      string   `json:"subject"`
	Instructions []string `json:"instructions"`
	SignedBy     []string `json:"signedBy"`
	CreatedAt    int64    `json:"createdAt"`
}

func (s *Store) RecentBuilds(ctx context.Context, user string, limit int) ([]BuildRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, user_pubkey, subject, instructions, signed_by, created_at
		FROM build_journal
		WHERE user_pubkey = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var (
			record       BuildRecord
			instructions string
			signedBy     string
		)
		if err := rows.Scan(
			&record.ID, &record.Operation, &record.User, &record.Subject,
			&instructions, &signedBy, &record.CreatedAt,
		); err != nil {
			return nil, err
		}
		record.Instructions = splitList(instructions)
		record.SignedBy = splitList(signedBy)
		out = append(out, record)
	}
	return out, rows.Err()
}

// Snapshot is the last observed graduation state of a market.
type Snapshot struct {
	Market       string
	BaseBalance  string
	QuoteBalance string
	Percentage   string
	Graduated    bool
	GraduatedAt  *int64
	UpdatedAt    int64
}

// UpsertGraduation stores the snapshot and reports whether this call observed the
// market graduating for the first time.
func (s *Store) UpsertGraduation(ctx context.Context, snap Snapshot) (bool, error) {
	firstGraduation := false
	err := s.WithTx(ctx, func(tx *Tx) error {
		now := time.Now().Unix()
		if snap.Graduated {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO graduation_events (market, quote_balance, recorded_at)
				VALUES (?, ?, ?)
				ON CONFLICT(market) DO NOTHING
			`, snap.Market, snap.QuoteBalance, now)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			firstGraduation = affected > 0
		}

		var graduatedAt any
		if snap.Graduated {
			graduatedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graduation_snapshots (
				market, base_balance, quote_balance, percentage, graduated, graduated_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(market) DO UPDATE SET
				base_balance = excluded.base_balance,
				quote_balance = excluded.quote_balance,
				percentage = excluded.percentage,
				graduated = excluded.graduated,
				graduated_at = COALESCE(graduation_snapshots.graduated_at, excluded.graduated_at),
				updated_at = excluded.updated_at
		`,
			snap.Market,
			snap.BaseBalance,
			snap.QuoteBalance,
			snap.Percentage,
			boolToInt(snap.Graduated),
			graduatedAt,
			now,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upsert graduation %s: %w", snap.Market, err)
	}
	return firstGraduation, nil
}

func (s *Store) LatestGraduation(ctx context.Context, market string) (*Snapshot, error) {
	var (
		snap        Snapshot
		graduated   int
		graduatedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT market, base_balance, quote_balance, percentage, graduated, graduated_at, updated_at
		FROM graduation_snapshots
		WHERE market = ?
	`, market).Scan(
		&snap.Market, &snap.BaseBalance, &snap.QuoteBalance, &snap.Percentage,
		&graduated, &graduatedAt, &snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.Graduated = graduated != 0
	if graduatedAt.Valid {
		value := graduatedAt.Int64
		snap.GraduatedAt = &value
	}
	return &snap, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
