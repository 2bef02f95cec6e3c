package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// maxCASAttempts bounds how often a conditional update re-reads after losing a version race.
const maxCASAttempts = 5

const uniqueViolation = "23505"

var errContention = errors.New("conditional update lost to concurrent writers")

// PostgresStore keeps each record as a JSONB document guarded by a version column.
// Conditional updates read (doc, version), run the mutation, and write back only
// if the version is unchanged; otherwise they re-read and re-evaluate.
type PostgresStore struct {
	db *sqlx.DB
}

type docRow struct {
	Doc     []byte `db:"doc"`
	Version int64  `db:"version"`
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO rides(id, code, requester_id, driver_id, status, doc, requested_at, updated_at)
		 VALUES($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		r.ID, r.Code, r.RequesterID, r.DriverID, r.Status, doc, r.RequestedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperr.Validation("duplicate_ride_code", pqErr.Message)
	}
	if err != nil {
		return apperr.Unavailable("create ride", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, _, err := p.loadRide(ctx, id)
	return r, err
}

func (p *PostgresStore) loadRide(ctx context.Context, id string) (*models.Ride, int64, error) {
	var row docRow
	err := p.db.GetContext(ctx, &row, `SELECT doc, version FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errRideNotFound
	}
	if err != nil {
		return nil, 0, apperr.Unavailable("load ride", err)
	}
	var r models.Ride
	if err := json.Unmarshal(row.Doc, &r); err != nil {
		return nil, 0, fmt.Errorf("decode ride %s: %w", id, err)
	}
	return &r, row.Version, nil
}

func (p *PostgresStore) ListRidesByRequester(ctx context.Context, requesterID string) ([]*models.Ride, error) {
	var docs [][]byte
	err := p.db.SelectContext(ctx, &docs,
		`SELECT doc FROM rides WHERE requester_id = $1 ORDER BY requested_at DESC`, requesterID)
	if err != nil {
		return nil, apperr.Unavailable("list rides", err)
	}
	out := make([]*models.Ride, 0, len(docs))
	for _, doc := range docs {
		var r models.Ride
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, id string, fn RideMutation) (*models.Ride, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, version, err := p.loadRide(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.Now().UTC()
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		res, err := p.db.ExecContext(ctx,
			`UPDATE rides SET doc = $1, status = $2, driver_id = NULLIF($3, ''), updated_at = $4, version = version + 1
			 WHERE id = $5 AND version = $6`,
			doc, r.Status, r.DriverID, r.UpdatedAt, id, version)
		if err != nil {
			return nil, apperr.Unavailable("update ride", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r, nil
		}
	}
	return nil, apperr.Unavailable("update ride", errContention)
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers(id, vehicle_class, online, available, doc, updated_at)
		 VALUES($1, $2, $3, $4, $5, now())
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.VehicleClass, d.Online, d.Available, doc)
	if err != nil {
		return apperr.Unavailable("save driver", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errDuplicateDriver
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, _, err := p.loadDriver(ctx, id)
	return d, err
}

func (p *PostgresStore) loadDriver(ctx context.Context, id string) (*models.Driver, int64, error) {
	var row docRow
	err := p.db.GetContext(ctx, &row, `SELECT doc, version FROM drivers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errDriverNotFound
	}
	if err != nil {
		return nil, 0, apperr.Unavailable("load driver", err)
	}
	var d models.Driver
	if err := json.Unmarshal(row.Doc, &d); err != nil {
		return nil, 0, fmt.Errorf("decode driver %s: %w", id, err)
	}
	return &d, row.Version, nil
}

func (p *PostgresStore) GetDrivers(ctx context.Context, ids []string) (map[string]*models.Driver, error) {
	out := make(map[string]*models.Driver, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT doc FROM drivers WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var docs [][]byte
	if err := p.db.SelectContext(ctx, &docs, p.db.Rebind(query), args...); err != nil {
		return nil, apperr.Unavailable("load drivers", err)
	}
	for _, doc := range docs {
		var d models.Driver
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		out[d.ID] = &d
	}
	return out, nil
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, id string, fn DriverMutation) (*models.Driver, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		d, version, err := p.loadDriver(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(d); err != nil {
			return nil, err
		}
		doc, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		res, err := p.db.ExecContext(ctx,
			`UPDATE drivers SET doc = $1, online = $2, available = $3, updated_at = now(), version = version + 1
			 WHERE id = $4 AND version = $5`,
			doc, d.Online, d.Available, id, version)
		if err != nil {
			return nil, apperr.Unavailable("update driver", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return d, nil
		}
	}
	return nil, apperr.Unavailable("update driver", errContention)
}

func (p *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO users(id, name, phone) VALUES(:id, :name, :phone)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone`, u)
	if err != nil {
		return apperr.Unavailable("save user", err)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.db.GetContext(ctx, &u, `SELECT id, name, phone FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user_not_found", "user not found")
	}
	if err != nil {
		return nil, apperr.Unavailable("load user", err)
	}
	return &u, nil
}
