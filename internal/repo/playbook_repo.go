package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Kontur/internal/domain"
)

// PlaybookRepo — репозиторий версий playbook.
type PlaybookRepo struct {
	pool *pgxpool.Pool
}

// NewPlaybookRepo создаёт новый PlaybookRepo.
func NewPlaybookRepo(pool *pgxpool.Pool) *PlaybookRepo {
	return &PlaybookRepo{pool: pool}
}

// Create сохраняет новую версию playbook.
func (r *PlaybookRepo) Create(ctx context.Context, pb *domain.Playbook) error {
	specJSON, err := json.Marshal(pb.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	query := `
		INSERT INTO playbooks (id, name, version, spec, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.pool.Exec(ctx, query, pb.ID, pb.Name, pb.Version, specJSON, pb.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("playbook %s v%d: %w", pb.Name, pb.Version, ErrAlreadyExists)
		}
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

// GetVersion возвращает конкретную версию playbook.
func (r *PlaybookRepo) GetVersion(ctx context.Context, id uuid.UUID, version int) (*domain.Playbook, error) {
	query := `
		SELECT id, name, version, spec, created_at
		FROM playbooks
		WHERE id = $1 AND version = $2
	`
	return r.scan(r.pool.QueryRow(ctx, query, id, version))
}

// GetLatest возвращает последнюю версию playbook.
func (r *PlaybookRepo) GetLatest(ctx context.Context, id uuid.UUID) (*domain.Playbook, error) {
	query := `
		SELECT id, name, version, spec, created_at
		FROM playbooks
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scan(r.pool.QueryRow(ctx, query, id))
}

// GetLatestByName возвращает последнюю версию playbook по имени.
func (r *PlaybookRepo) GetLatestByName(ctx context.Context, name string) (*domain.Playbook, error) {
	query := `
		SELECT id, name, version, spec, created_at
		FROM playbooks
		WHERE name = $1
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scan(r.pool.QueryRow(ctx, query, name))
}

// NextVersion возвращает следующий номер версии для playbook.
func (r *PlaybookRepo) NextVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var maxVersion *int
	query := `SELECT MAX(version) FROM playbooks WHERE id = $1`
	if err := r.pool.QueryRow(ctx, query, id).Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	if maxVersion == nil {
		return 1, nil
	}
	return *maxVersion + 1, nil
}

// List возвращает последние версии всех playbook.
func (r *PlaybookRepo) List(ctx context.Context) ([]domain.Playbook, error) {
	query := `
		SELECT DISTINCT ON (id) id, name, version, spec, created_at
		FROM playbooks
		ORDER BY id, version DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var playbooks []domain.Playbook
	for rows.Next() {
		pb, err := r.scanRows(rows)
		if err != nil {
			return nil, err
		}
		playbooks = append(playbooks, *pb)
	}
	return playbooks, rows.Err()
}

func (r *PlaybookRepo) scan(row pgx.Row) (*domain.Playbook, error) {
	var pb domain.Playbook
	var specJSON []byte

	err := row.Scan(&pb.ID, &pb.Name, &pb.Version, &specJSON, &pb.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan playbook: %w", err)
	}

	if err := json.Unmarshal(specJSON, &pb.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	return &pb, nil
}

func (r *PlaybookRepo) scanRows(rows pgx.Rows) (*domain.Playbook, error) {
	return r.scan(rows)
}

// isUniqueViolation проверяет ошибку на конфликт уникальности (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
