// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности или устаревшая ревизия.
	ErrConflict = errors.New("конфликт — запись уже существует или изменена")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store — набор репозиториев с общей транзакцией.
// Реализуется PostgreSQL-хранилищем и хранилищем в памяти (memstore).
type Store interface {
	Photos() PhotoRepository
	Tags() TagRepository
	Associations() AssociationRepository
	// RunInTx выполняет fn атомарно: изменения, сделанные через
	// переданный Store, либо применяются целиком, либо не применяются.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// pgStore — Store поверх PostgreSQL.
type pgStore struct {
	db       DBTX
	txRunner *TxRunner // nil внутри транзакции
}

// NewPostgresStore создаёт Store поверх пула подключений.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{db: pool, txRunner: NewTxRunner(pool)}
}

func (s *pgStore) Photos() PhotoRepository             { return NewPhotoRepository(s.db) }
func (s *pgStore) Tags() TagRepository                 { return NewTagRepository(s.db) }
func (s *pgStore) Associations() AssociationRepository { return NewAssociationRepository(s.db) }

func (s *pgStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if s.txRunner == nil {
		// Уже внутри транзакции — вложенные вызовы используют её же
		return fn(s)
	}
	return s.txRunner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgStore{db: tx})
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyViolation проверяет нарушение внешнего ключа.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
