// Package seeder bootstraps the database schema and optional demo data.
package seeder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/genroute/internal/workflow"
)

const DemoWorkflowName = "demo-summarize"

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id           TEXT NOT NULL,
		request_id        TEXT NOT NULL,
		run_id            TEXT NOT NULL DEFAULT '',
		step_id           TEXT NOT NULL DEFAULT '',
		provider          TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		cached            BOOLEAN NOT NULL DEFAULT FALSE,
		fallback_used     BOOLEAN NOT NULL DEFAULT FALSE,
		status            TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_user_created_idx ON audit_records (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id             TEXT PRIMARY KEY,
		workflow       TEXT NOT NULL,
		user_id        TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		document       JSONB NOT NULL,
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_workflow_started_idx ON workflow_runs (workflow, started_at DESC)`,
}

// Migrate creates the tables the Postgres stores write to. It is idempotent.
func Migrate(ctx context.Context, db Execer, log logrus.FieldLogger) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}
	log.WithField("statements", len(schema)).Info("[Seeder] schema ready")
	return nil
}

// DemoWorkflow drafts a summary of {{text}} and tightens it, falling back
// to a plain rewrite when the draft step fails.
func DemoWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:        DemoWorkflowName,
		Version:     "1",
		Description: "Summarize a text in two passes",
		Variables:   map[string]string{"text": "Go is an open source programming language."},
		Steps: []workflow.Step{
			{
				ID:        "draft",
				Input:     workflow.StepInput{Prompt: "Summarize in three sentences:\n\n{{text}}", MaxTokens: 256},
				OnSuccess: "tighten",
				OnFailure: "rewrite",
				Retry:     workflow.RetryPolicy{MaxAttempts: 2, DelayMs: 500},
			},
			{
				ID:    "tighten",
				Input: workflow.StepInput{Prompt: "Shorten this to one sentence:\n\n{{draft.output}}", MaxTokens: 128},
			},
			{
				ID:    "rewrite",
				Input: workflow.StepInput{Prompt: "Rewrite plainly:\n\n{{text}}", MaxTokens: 256},
			},
		},
		Settings: workflow.Settings{MaxTotalCostUSD: 0.05, TimeoutMs: 60_000},
	}
}

func SeedDemoWorkflow(catalog *workflow.Catalog, log logrus.FieldLogger) {
	if _, err := catalog.Get(DemoWorkflowName); err == nil {
		log.Info("[Seeder] demo workflow already registered, skipping")
		return
	}
	if err := catalog.Register(DemoWorkflow()); err != nil {
		log.WithError(err).Warn("[Seeder] demo workflow rejected")
		return
	}
	log.WithField("workflow", DemoWorkflowName).Info("[Seeder] demo workflow registered")
}
