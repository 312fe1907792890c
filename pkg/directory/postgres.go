package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the directory schema to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// PostgresDirectory is the database-backed PatientDirectory.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory connects a pool to the database at dsn.
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresDirectory{pool: pool}, nil
}

// Close releases the connection pool.
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}

func (d *PostgresDirectory) FindOrCreate(ctx context.Context, name, surname, sourceCode string) (*Patient, bool, error) {
	name = strings.TrimSpace(name)
	surname = strings.TrimSpace(surname)

	id := uuid.NewString()
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO patients (id, name, surname, source_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, surname) DO NOTHING`,
		id, name, surname, sourceCode)
	if err != nil {
		return nil, false, fmt.Errorf("insert patient: %w", err)
	}
	created := tag.RowsAffected() == 1

	var p Patient
	err = d.pool.QueryRow(ctx,
		`SELECT id, name, surname, source_code, created_at FROM patients WHERE name = $1 AND surname = $2`,
		name, surname).Scan(&p.ID, &p.Name, &p.Surname, &p.SourceCode, &p.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("load patient: %w", err)
	}
	if !created {
		if err := d.loadDetails(ctx, &p); err != nil {
			return nil, false, err
		}
	}
	return &p, created, nil
}

func (d *PostgresDirectory) FindByID(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := d.pool.QueryRow(ctx,
		`SELECT id, name, surname, source_code, created_at FROM patients WHERE id = $1`,
		id).Scan(&p.ID, &p.Name, &p.Surname, &p.SourceCode, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if err := d.loadDetails(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *PostgresDirectory) AddPhone(ctx context.Context, id, phone string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO patient_phones (patient_id, phone)
		VALUES ($1, $2)
		ON CONFLICT (patient_id, phone) DO NOTHING`,
		id, phone)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add phone: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) AddExam(ctx context.Context, id string, exam ExamEntry) error {
	at := exam.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO patient_exams (patient_id, code, name, ordered_at) VALUES ($1, $2, $3, $4)`,
		id, exam.Code, exam.Name, at)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add exam: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) AddHistory(ctx context.Context, id string, entry HistoryEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO call_history (patient_id, summary, outcome, created_at) VALUES ($1, $2, $3, $4)`,
		id, entry.Summary, entry.Outcome, at)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add history: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) loadDetails(ctx context.Context, p *Patient) error {
	rows, err := d.pool.Query(ctx,
		`SELECT phone FROM patient_phones WHERE patient_id = $1 ORDER BY added_at`, p.ID)
	if err != nil {
		return fmt.Errorf("load phones: %w", err)
	}
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			rows.Close()
			return fmt.Errorf("scan phone: %w", err)
		}
		p.Phones = append(p.Phones, phone)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load phones: %w", err)
	}

	rows, err = d.pool.Query(ctx,
		`SELECT code, name, ordered_at FROM patient_exams WHERE patient_id = $1 ORDER BY ordered_at`, p.ID)
	if err != nil {
		return fmt.Errorf("load exams: %w", err)
	}
	for rows.Next() {
		var e ExamEntry
		if err := rows.Scan(&e.Code, &e.Name, &e.At); err != nil {
			rows.Close()
			return fmt.Errorf("scan exam: %w", err)
		}
		p.Exams = append(p.Exams, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load exams: %w", err)
	}

	rows, err = d.pool.Query(ctx,
		`SELECT summary, outcome, created_at FROM call_history WHERE patient_id = $1 ORDER BY created_at DESC`, p.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Summary, &h.Outcome, &h.At); err != nil {
			rows.Close()
			return fmt.Errorf("scan history: %w", err)
		}
		p.History = append(p.History, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	// 23503 is the Postgres foreign_key_violation code.
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
