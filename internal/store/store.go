// Package store records feasibility verdicts and model updates in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rainbow/internal/analysis"
	"github.com/xkilldash9x/rainbow/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateVerdicts = `
        CREATE TABLE IF NOT EXISTS feasibility_verdicts (
            id UUID PRIMARY KEY,
            instruction TEXT NOT NULL,
            feasible BOOLEAN NOT NULL,
            predicted_energy DOUBLE PRECISION NOT NULL,
            battery_charge DOUBLE PRECISION NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateUpdates = `
        CREATE TABLE IF NOT EXISTS model_updates (
            id UUID PRIMARY KEY,
            model_type TEXT NOT NULL,
            model_name TEXT NOT NULL,
            command TEXT NOT NULL,
            target TEXT NOT NULL,
            params JSONB NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertVerdict = `
        INSERT INTO feasibility_verdicts (id, instruction, feasible, predicted_energy, battery_charge, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlInsertUpdate = `
        INSERT INTO model_updates (id, model_type, model_name, command, target, params, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	sqlRecentVerdicts = `
        SELECT instruction, feasible, predicted_energy, battery_charge, recorded_at
        FROM feasibility_verdicts
        ORDER BY recorded_at DESC
        LIMIT $1;
    `
)

// Store is the PostgreSQL audit trail.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the audit tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range []string{sqlCreateVerdicts, sqlCreateUpdates} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordVerdict stores one feasibility verdict. An infinite prediction is
// stored as the largest finite double so the column stays comparable.
func (s *Store) RecordVerdict(ctx context.Context, v analysis.Verdict) error {
	energy := v.PredictedEnergy
	if math.IsInf(energy, 1) {
		energy = math.MaxFloat64
	}
	at := v.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.pool.Exec(ctx, sqlInsertVerdict,
		uuid.NewString(), v.Instruction, v.Feasible, energy, v.BatteryCharge, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert verdict: %w", err)
	}
	return nil
}

// RecordUpdate stores one model update with its parameters as a JSON object.
func (s *Store) RecordUpdate(ctx context.Context, u model.Update) error {
	params := make(map[string]string, len(u.Params))
	for _, p := range u.Params {
		params[p.Name] = p.Value
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlInsertUpdate,
		uuid.NewString(), u.ModelType, u.ModelName, u.Command, u.Target, raw, s.now())
	if err != nil {
		return fmt.Errorf("failed to insert model update: %w", err)
	}
	return nil
}

// RecentVerdicts returns up to limit verdicts, newest first.
func (s *Store) RecentVerdicts(ctx context.Context, limit int) ([]analysis.Verdict, error) {
	rows, err := s.pool.Query(ctx, sqlRecentVerdicts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []analysis.Verdict
	for rows.Next() {
		var v analysis.Verdict
		if err := rows.Scan(&v.Instruction, &v.Feasible, &v.PredictedEnergy, &v.BatteryCharge, &v.At); err != nil {
			return nil, fmt.Errorf("failed to scan verdict row: %w", err)
		}
		if v.PredictedEnergy == math.MaxFloat64 {
			v.PredictedEnergy = math.Inf(1)
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return verdicts, nil
}

// Audit wraps next so every successfully applied update is also recorded.
// Recording failures are logged and never fail the update.
func (s *Store) Audit(next model.Updater) model.Updater {
	return &auditingUpdater{store: s, next: next, registry: model.NewRegistry()}
}

type auditingUpdater struct {
	store    *Store
	next     model.Updater
	registry *model.Registry
}

func (a *auditingUpdater) UpdateModel(ctx context.Context, u model.Update) error {
	if err := a.next.UpdateModel(ctx, u); err != nil {
		return err
	}
	if cmd, ok := a.registry.Lookup(u.Command); ok && u.ModelType == "" {
		u.ModelType = cmd.ModelType
	}
	if err := a.store.RecordUpdate(ctx, u); err != nil {
		a.store.log.Warn("Failed to record model update.", zap.String("command", u.Command), zap.Error(err))
	}
	return nil
}
