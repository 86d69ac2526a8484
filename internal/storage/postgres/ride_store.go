// Package postgres stores rides in PostgreSQL. Acceptance races are settled
// by a conditional UPDATE on the version column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

const uniqueViolation = "23505"

const rideColumns = `
	id, requester_id, kind, status, vehicle_class,
	pickup_longitude, pickup_latitude, pickup_at,
	dropoff_longitude, dropoff_latitude, dropoff_at,
	pickup_address, dropoff_address, notes,
	fare_estimate, surge_multiplier, distance_km, estimated_minutes, search_radius_km,
	assigned_driver, offers, rejected, offer_round, assignment_attempts, version,
	scheduled_time, dispatched_at, requested_at, assigned_at, accepted_at,
	started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason, updated_at`

// RideStore implements ride.Repository on database/sql with lib/pq
type RideStore struct {
	db *sql.DB
}

// NewRideStore wraps an open connection pool
func NewRideStore(db *sql.DB) *RideStore {
	return &RideStore{db: db}
}

func (s *RideStore) Create(ctx context.Context, r *ride.Ride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36)
	`, rideArgs(r)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ride.ErrDuplicateRide, r.ID)
		}
		return fmt.Errorf("failed to insert ride: %w", err)
	}
	return nil
}

func (s *RideStore) Get(ctx context.Context, id uuid.UUID) (*ride.Ride, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ride.ErrRideNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ride: %w", err)
	}
	return r, nil
}

// CompareAndSwap rewrites every mutable column when the stored version still
// matches. Zero rows affected means another writer got there first.
func (s *RideStore) CompareAndSwap(ctx context.Context, r *ride.Ride, expectedVersion int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rides SET
			status = $3, fare_estimate = $4, surge_multiplier = $5,
			assigned_driver = $6, offers = $7, rejected = $8,
			offer_round = $9, assignment_attempts = $10, version = $11,
			dispatched_at = $12, assigned_at = $13, accepted_at = $14,
			started_at = $15, completed_at = $16, cancelled_at = $17,
			cancelled_by = $18, cancellation_reason = $19, updated_at = $20
		WHERE id = $1 AND version = $2
	`,
		r.ID, expectedVersion,
		r.Status, nullFloat(r.FareEstimate), r.SurgeMultiplier,
		nullString(r.AssignedDriver), pq.Array(nonNil(r.Offers)), pq.Array(nonNil(r.Rejected)),
		r.OfferRound, r.AssignmentAttempts, r.Version,
		nullTime(r.DispatchedAt), nullTime(r.AssignedAt), nullTime(r.AcceptedAt),
		nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		r.CancelledBy, r.CancellationReason, r.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update ride: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check ride: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", ride.ErrRideNotFound, r.ID)
	}
	return false, nil
}

func (s *RideStore) ListByStatus(ctx context.Context, status ride.Status, limit int) ([]*ride.Ride, error) {
	return s.list(ctx, `WHERE status = $1`, status, limit)
}

func (s *RideStore) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*ride.Ride, error) {
	return s.list(ctx, `WHERE requester_id = $1`, requesterID, limit)
}

func (s *RideStore) list(ctx context.Context, where string, arg any, limit int) ([]*ride.Ride, error) {
	query := `SELECT ` + rideColumns + ` FROM rides ` + where + ` ORDER BY requested_at, id`
	args := []any{arg}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	var out []*ride.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RideStore) AppendTransition(ctx context.Context, t *ride.Transition) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ride_transitions (ride_id, from_status, to_status, event, actor_id, actor_role, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, t.RideID, t.From, t.To, t.Event, t.ActorID, t.ActorRole, t.At).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (s *RideStore) Transitions(ctx context.Context, rideID uuid.UUID) ([]ride.Transition, error) {
	if _, err := s.Get(ctx, rideID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ride_id, from_status, to_status, event, actor_id, actor_role, at
		FROM ride_transitions
		WHERE ride_id = $1
		ORDER BY id
	`, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}
	defer rows.Close()

	var out []ride.Transition
	for rows.Next() {
		var t ride.Transition
		if err := rows.Scan(&t.ID, &t.RideID, &t.From, &t.To, &t.Event, &t.ActorID, &t.ActorRole, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(row scanner) (*ride.Ride, error) {
	var (
		r                      ride.Ride
		vehicleClass           string
		pickupAt, dropoffAt    sql.NullTime
		fare                   sql.NullFloat64
		assigned               sql.NullString
		offers, rejected       pq.StringArray
		scheduled, dispatched  sql.NullTime
		assignedAt, acceptedAt sql.NullTime
		startedAt, completedAt sql.NullTime
		cancelledAt            sql.NullTime
		pickupLon, pickupLat   float64
		dropoffLon, dropoffLat float64
	)

	err := row.Scan(
		&r.ID, &r.RequesterID, &r.Kind, &r.Status, &vehicleClass,
		&pickupLon, &pickupLat, &pickupAt,
		&dropoffLon, &dropoffLat, &dropoffAt,
		&r.PickupAddress, &r.DropoffAddress, &r.Notes,
		&fare, &r.SurgeMultiplier, &r.DistanceKM, &r.EstimatedMinutes, &r.SearchRadiusKM,
		&assigned, &offers, &rejected, &r.OfferRound, &r.AssignmentAttempts, &r.Version,
		&scheduled, &dispatched, &r.RequestedAt, &assignedAt, &acceptedAt,
		&startedAt, &completedAt, &cancelledAt, &r.CancelledBy, &r.CancellationReason, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.VehicleClass = driver.VehicleClass(vehicleClass)
	r.Pickup = geo.Location{Point: geo.Point{Longitude: pickupLon, Latitude: pickupLat}, Timestamp: pickupAt.Time}
	r.Dropoff = geo.Location{Point: geo.Point{Longitude: dropoffLon, Latitude: dropoffLat}, Timestamp: dropoffAt.Time}
	if fare.Valid {
		r.FareEstimate = &fare.Float64
	}
	if assigned.Valid {
		r.AssignedDriver = &assigned.String
	}
	if len(offers) > 0 {
		r.Offers = []string(offers)
	}
	if len(rejected) > 0 {
		r.Rejected = []string(rejected)
	}
	r.ScheduledTime = timePtr(scheduled)
	r.DispatchedAt = timePtr(dispatched)
	r.AssignedAt = timePtr(assignedAt)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func rideArgs(r *ride.Ride) []any {
	return []any{
		r.ID, r.RequesterID, r.Kind, r.Status, string(r.VehicleClass),
		r.Pickup.Longitude, r.Pickup.Latitude, zeroAsNull(r.Pickup.Timestamp),
		r.Dropoff.Longitude, r.Dropoff.Latitude, zeroAsNull(r.Dropoff.Timestamp),
		r.PickupAddress, r.DropoffAddress, r.Notes,
		nullFloat(r.FareEstimate), r.SurgeMultiplier, r.DistanceKM, r.EstimatedMinutes, r.SearchRadiusKM,
		nullString(r.AssignedDriver), pq.Array(nonNil(r.Offers)), pq.Array(nonNil(r.Rejected)),
		r.OfferRound, r.AssignmentAttempts, r.Version,
		nullTime(r.ScheduledTime), nullTime(r.DispatchedAt), r.RequestedAt,
		nullTime(r.AssignedAt), nullTime(r.AcceptedAt), nullTime(r.StartedAt),
		nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		r.CancelledBy, r.CancellationReason, r.UpdatedAt,
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func zeroAsNull(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

var _ ride.Repository = (*RideStore)(nil)
