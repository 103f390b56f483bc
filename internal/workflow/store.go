package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrRunNotFound = errors.New("workflow run not found")

// RunStore persists runs. Save is an upsert keyed by run id.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// List returns the newest runs first. An empty workflow matches all.
	List(ctx context.Context, workflow string, limit int) ([]*Run, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func (s *MemoryStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, workflow string, limit int) ([]*Run, error) {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if workflow == "" || r.Workflow == workflow {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps each run as a JSONB document in workflow_runs.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, run *Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode workflow run: %w", err)
	}

	query := `
		INSERT INTO workflow_runs (id, workflow, user_id, status, total_cost_usd, document, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_cost_usd = EXCLUDED.total_cost_usd,
			document = EXCLUDED.document,
			finished_at = EXCLUDED.finished_at
	`
	_, err = s.db.Exec(ctx, query,
		run.ID, run.Workflow, run.UserID, string(run.Status), run.TotalCostUSD,
		doc, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM workflow_runs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("failed to decode workflow run: %w", err)
	}
	return &run, nil
}

func (s *PostgresStore) List(ctx context.Context, workflow string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT document FROM workflow_runs
		WHERE $1 = '' OR workflow = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		var run Run
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, fmt.Errorf("failed to decode workflow run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow runs: %w", err)
	}
	return runs, nil
}
