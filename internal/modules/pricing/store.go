// README: Rate-card store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectRate = `SELECT ride_type, base_fare, price_per_km, updated_at
FROM rate_cards
WHERE ride_type = $1`

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, rideType string) (Rate, error) {
	var r Rate
	err := s.db.QueryRow(ctx, selectRate, rideType).Scan(&r.RideType, &r.BaseFare, &r.PricePerKm, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, eris.Wrapf(ErrRateNotFound, "ride type %q", rideType)
	}
	if err != nil {
		return Rate{}, eris.Wrapf(err, "pricing: get rate %q", rideType)
	}
	return r, nil
}
