package specstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/models"
)

const specsTable = "child_specs"

// Repository is the durable catalog of child specs. Only specs are persisted:
// the registry itself is rebuilt from supervised workers plus gossip, never
// from disk.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=postgres sslmode=disable pool_max_conns=15",
			user, password, addr, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) UpsertChildSpecs(ctx context.Context, hub models.HubID, specs []models.ChildSpec) (uint, error) {
	if len(specs) == 0 {
		return 0, nil
	}

	sql := `
	insert into child_specs (hub, child_id, start_params)
	values ($1, $2, $3)
	on conflict (hub, child_id) do nothing;
	`

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.RepeatableRead,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, spec := range specs {
		batch.Queue(
			sql,
			hub.String(),
			spec.ID.String(),
			[]byte(spec.StartParams),
		)
	}

	bResult := tx.SendBatch(ctx, batch)
	defer bResult.Close()

	created := uint(0)
	for _, spec := range specs {
		tag, err := bResult.Exec()
		if err != nil {
			constraint, ok := getConstraintName(err)
			if !ok {
				return 0, fmt.Errorf("failed to store spec %s: %w", spec.ID, err)
			}
			log.Warn().Msgf("spec %s violates constraint %s, skipped", spec.ID, constraint)
			continue
		}
		if tag.RowsAffected() == 0 {
			// the spec is immutable after the first insert
			log.Debug().Msgf("spec %s already catalogued", spec.ID)
			continue
		}
		created++
	}
	if err := bResult.Close(); err != nil {
		return 0, fmt.Errorf("failed to close tx batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit specs upsert tx: %w", err)
	}
	return created, nil
}

func (r *Repository) RemoveChildSpecs(ctx context.Context, hub models.HubID, cids []models.ChildID) (uint, error) {
	if len(cids) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(cids))
	for _, cid := range cids {
		ids = append(ids, cid.String())
	}
	sql, args, err := squirrel.Delete(specsTable).
		Where(squirrel.Eq{"hub": hub.String(), "child_id": ids}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to create db request: %w", err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove specs: %w", err)
	}
	return uint(tag.RowsAffected()), nil
}

func (r *Repository) GetChildSpecs(ctx context.Context, hub models.HubID) ([]models.ChildSpec, error) {
	sql, args, err := squirrel.Select("child_id", "start_params").
		From(specsTable).
		Where(squirrel.Eq{"hub": hub.String()}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.ChildSpec, 0, 100)
	for rows.Next() {
		var (
			cid    string
			params []byte
		)
		err = rows.Scan(&cid, &params)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spec row: %w", err)
		}
		result = append(result, models.ChildSpec{
			ID:          models.ChildID(cid),
			StartParams: json.RawMessage(params),
		})
	}
	return result, nil
}

func getConstraintName(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505",
			"23503",
			"23514",
			"23502":
			if pgErr.ConstraintName != "" {
				return pgErr.ConstraintName, true
			}
		}
	}
	return "", false
}
