package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"lambda-publish/internal/faults"
)

// SQLiteStore is the local subscription store backend. It mirrors the
// DynamoDB gate semantics so tests and single-host deployments exercise the
// same contract.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a sqlite-backed store at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	// WAL for concurrent reader/writer access. The pragmas go in the DSN so
	// they apply to every connection in the database/sql pool, not just the
	// one a plain Exec would run on.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		pk TEXT NOT NULL,
		sk TEXT NOT NULL,
		mode TEXT,
		target_account TEXT NOT NULL,
		target_region TEXT NOT NULL,
		function_name TEXT NOT NULL,
		alias_name TEXT,
		update_strategy TEXT,
		cd_application TEXT,
		cd_group TEXT,
		cd_config TEXT,
		pipeline_name TEXT,
		assume_role_arn TEXT,
		pipeline_assume_role_arn TEXT,
		last_processed_digest TEXT,
		last_execution_id TEXT,
		last_status TEXT,
		PRIMARY KEY (pk, sk)
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(mode, last_status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Put inserts or replaces a subscription record. Provisioning and tests
// only; the controller and monitor never create records.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subscriptions (
			pk, sk, mode, target_account, target_region, function_name,
			alias_name, update_strategy, cd_application, cd_group, cd_config,
			pipeline_name, assume_role_arn, pipeline_assume_role_arn,
			last_processed_digest, last_execution_id, last_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PK, rec.SK, nullable(rec.Mode),
		rec.Target.AccountID, rec.Target.Region, rec.Target.FunctionName,
		nullable(rec.Target.AliasName), nullable(rec.UpdateStrategy),
		nullable(cdField(rec.CodeDeploy, func(c *CodeDeploy) string { return c.ApplicationName })),
		nullable(cdField(rec.CodeDeploy, func(c *CodeDeploy) string { return c.DeploymentGroupName })),
		nullable(cdField(rec.CodeDeploy, func(c *CodeDeploy) string { return c.DeploymentConfigName })),
		nullable(pipelineName(rec.Pipeline)),
		nullable(rec.AssumeRoleArn), nullable(rec.PipelineAssumeRole),
		nullable(rec.LastProcessedDigest), nullable(rec.LastExecutionID), nullable(rec.LastStatus),
	)
	if err != nil {
		return faults.Store(fmt.Errorf("put %s/%s: %w", rec.PK, rec.SK, err))
	}
	return nil
}

// Query returns all records under one partition key.
func (s *SQLiteStore) Query(ctx context.Context, registryID, repository, tag string) ([]Record, error) {
	pk := PartitionKey(registryID, repository, tag)
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM subscriptions WHERE pk = ? ORDER BY sk`, pk)
	if err != nil {
		return nil, faults.Store(fmt.Errorf("query %s: %w", pk, err))
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkProcessed applies the conditional gate. The UPDATE takes effect only
// when the stored digest is absent or different; zero rows affected means
// the gate is closed (or the record was deleted out from under us, which
// reads the same to the caller).
func (s *SQLiteStore) MarkProcessed(ctx context.Context, key Key, digest string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_processed_digest = ?
		WHERE pk = ? AND sk = ?
		AND (last_processed_digest IS NULL OR last_processed_digest <> ?)`,
		digest, key.PK, key.SK, digest)
	if err != nil {
		return false, faults.Store(fmt.Errorf("mark processed %s/%s: %w", key.PK, key.SK, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, faults.Store(fmt.Errorf("mark processed %s/%s: %w", key.PK, key.SK, err))
	}
	return affected > 0, nil
}

// ClearProcessed reverts a gate this invocation won but could not act on.
func (s *SQLiteStore) ClearProcessed(ctx context.Context, key Key, digest string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_processed_digest = NULL
		WHERE pk = ? AND sk = ? AND last_processed_digest = ?`,
		key.PK, key.SK, digest)
	if err != nil {
		return faults.Store(fmt.Errorf("clear processed %s/%s: %w", key.PK, key.SK, err))
	}
	return nil
}

// RecordOutcome overwrites the status fields.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, key Key, status, executionID string) error {
	var err error
	if executionID != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions SET last_status = ?, last_execution_id = ?
			WHERE pk = ? AND sk = ?`, status, executionID, key.PK, key.SK)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions SET last_status = ?
			WHERE pk = ? AND sk = ?`, status, key.PK, key.SK)
	}
	if err != nil {
		return faults.Store(fmt.Errorf("record outcome %s/%s: %w", key.PK, key.SK, err))
	}
	return nil
}

// PendingExecutions returns pipeline-mode records with in-flight executions.
func (s *SQLiteStore) PendingExecutions(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM subscriptions
		WHERE mode = 'pipeline'
		AND last_execution_id IS NOT NULL AND last_execution_id <> ''
		AND (last_status IS NULL OR last_status NOT IN (?, ?, ?))
		ORDER BY pk, sk`,
		ExecSucceeded, ExecFailed, ExecStopped)
	if err != nil {
		return nil, faults.Store(fmt.Errorf("scan pending executions: %w", err))
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT pk, sk, mode, target_account, target_region,
	function_name, alias_name, update_strategy, cd_application, cd_group,
	cd_config, pipeline_name, assume_role_arn, pipeline_assume_role_arn,
	last_processed_digest, last_execution_id, last_status`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var mode, alias, strategy, cdApp, cdGroup, cdConfig sql.NullString
		var pipeline, assumeRole, pipelineRole, digest, execID, status sql.NullString

		err := rows.Scan(&rec.PK, &rec.SK, &mode,
			&rec.Target.AccountID, &rec.Target.Region, &rec.Target.FunctionName,
			&alias, &strategy, &cdApp, &cdGroup, &cdConfig,
			&pipeline, &assumeRole, &pipelineRole, &digest, &execID, &status)
		if err != nil {
			return nil, faults.Store(fmt.Errorf("scan record: %w", err))
		}

		rec.Mode = mode.String
		rec.Target.AliasName = alias.String
		rec.UpdateStrategy = strategy.String
		rec.AssumeRoleArn = assumeRole.String
		rec.PipelineAssumeRole = pipelineRole.String
		rec.LastProcessedDigest = digest.String
		rec.LastExecutionID = execID.String
		rec.LastStatus = status.String
		if cdApp.Valid || cdGroup.Valid || cdConfig.Valid {
			rec.CodeDeploy = &CodeDeploy{
				ApplicationName:      cdApp.String,
				DeploymentGroupName:  cdGroup.String,
				DeploymentConfigName: cdConfig.String,
			}
		}
		if pipeline.Valid && pipeline.String != "" {
			rec.Pipeline = &Pipeline{Name: pipeline.String}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Store(fmt.Errorf("scan records: %w", err))
	}
	return records, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func cdField(cd *CodeDeploy, get func(*CodeDeploy) string) string {
	if cd == nil {
		return ""
	}
	return get(cd)
}

func pipelineName(p *Pipeline) string {
	if p == nil {
		return ""
	}
	return p.Name
}
