package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/pricing"
)

const uniqueViolation = "23505"

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db   *sql.DB
	q    dbtx
	inTx bool
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script in one round trip.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if p.inTx {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&PostgresStore{db: p.db, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const rideColumns = `id, rider_id, driver_id,
	pickup_address, pickup_lat, pickup_lon, dropoff_address, dropoff_lat, dropoff_lon,
	scheduled_time, instructions, is_round_trip, vehicle_type,
	needs_ramp, needs_wait_time, has_companion, needs_stair_chair, wait_time_minutes,
	rider_bid, final_price, status, pre_edit_status, payment_ref,
	cancelled_by, cancellation_fee, reliability_flag, version, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	args := rideArgs(r)
	_, err := p.q.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES(
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		args...)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, models.ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r models.Ride) (models.Ride, error) {
	args := rideArgs(r)
	// rider_id and created_at are immutable; the update binds everything else.
	args = append(args[2:27:27], args[28], r.ID)
	res, err := p.q.ExecContext(ctx, `UPDATE rides SET
		driver_id=$1, pickup_address=$2, pickup_lat=$3, pickup_lon=$4,
		dropoff_address=$5, dropoff_lat=$6, dropoff_lon=$7, scheduled_time=$8, instructions=$9,
		is_round_trip=$10, vehicle_type=$11, needs_ramp=$12, needs_wait_time=$13, has_companion=$14,
		needs_stair_chair=$15, wait_time_minutes=$16, rider_bid=$17, final_price=$18, status=$19,
		pre_edit_status=$20, payment_ref=$21, cancelled_by=$22, cancellation_fee=$23,
		reliability_flag=$24, version=version+1, updated_at=$26
		WHERE version=$25 AND id=$27`,
		args...)
	if err != nil {
		return models.Ride{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Ride{}, err
	}
	if n != 1 {
		return models.Ride{}, models.ErrConflict
	}
	r.Version++
	return r, nil
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	var (
		where []string
		args  []any
	)
	if f.RiderID != "" {
		args = append(args, f.RiderID)
		where = append(where, fmt.Sprintf("rider_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func rideArgs(r models.Ride) []any {
	return []any{
		r.ID, r.RiderID, nullString(r.DriverID),
		r.Pickup.Address, coordLat(r.Pickup.Coord), coordLon(r.Pickup.Coord),
		r.Dropoff.Address, coordLat(r.Dropoff.Coord), coordLon(r.Dropoff.Coord),
		r.ScheduledTime, r.Instructions, r.IsRoundTrip, string(r.VehicleType),
		r.Accessibility.NeedsRamp, r.Accessibility.NeedsWaitTime, r.Accessibility.HasCompanion,
		r.Accessibility.NeedsStairChair, r.Accessibility.WaitTimeMinutes,
		r.RiderBid, r.FinalPrice, string(r.Status), string(r.PreEditStatus), r.PaymentRef,
		string(r.CancelledBy), r.CancellationFee, r.ReliabilityFlag, r.Version, r.CreatedAt, r.UpdatedAt,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.Ride, error) {
	var (
		r                              models.Ride
		driverID                       sql.NullString
		pLat, pLon, dLat, dLon         sql.NullFloat64
		vehicle, status, preEdit, canc string
	)
	err := s.Scan(
		&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Address, &pLat, &pLon, &r.Dropoff.Address, &dLat, &dLon,
		&r.ScheduledTime, &r.Instructions, &r.IsRoundTrip, &vehicle,
		&r.Accessibility.NeedsRamp, &r.Accessibility.NeedsWaitTime, &r.Accessibility.HasCompanion,
		&r.Accessibility.NeedsStairChair, &r.Accessibility.WaitTimeMinutes,
		&r.RiderBid, &r.FinalPrice, &status, &preEdit, &r.PaymentRef,
		&canc, &r.CancellationFee, &r.ReliabilityFlag, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.Ride{}, err
	}
	r.DriverID = driverID.String
	r.Pickup.Coord = toCoord(pLat, pLon)
	r.Dropoff.Coord = toCoord(dLat, dLon)
	r.VehicleType = models.VehicleType(vehicle)
	r.Status = models.RideStatus(status)
	r.PreEditStatus = models.RideStatus(preEdit)
	r.CancelledBy = models.Party(canc)
	return r, nil
}

const bidColumns = `id, ride_id, driver_id, amount, notes, status, parent_bid_id, counter_party, round, created_at`

func (p *PostgresStore) CreateBid(ctx context.Context, b models.Bid) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO bids(`+bidColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.RideID, b.DriverID, b.Amount, b.Notes, string(b.Status), nullString(b.ParentBidID),
		string(b.CounterParty), b.Round, b.CreatedAt)
	return err
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (models.Bid, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bid{}, models.ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) UpdateBidStatus(ctx context.Context, id string, status models.BidStatus) error {
	res, err := p.q.ExecContext(ctx, `UPDATE bids SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyAssigned
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListBidsByRide(ctx context.Context, rideID string) ([]models.Bid, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE ride_id = $1 ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBid(s scanner) (models.Bid, error) {
	var (
		b                    models.Bid
		parent               sql.NullString
		status, counterParty string
	)
	if err := s.Scan(&b.ID, &b.RideID, &b.DriverID, &b.Amount, &b.Notes, &status, &parent, &counterParty, &b.Round, &b.CreatedAt); err != nil {
		return models.Bid{}, err
	}
	b.Status = models.BidStatus(status)
	b.ParentBidID = parent.String
	b.CounterParty = models.Party(counterParty)
	return b, nil
}

const editColumns = `id, ride_id, proposed_by, proposed_data, request_notes, response_notes, status, prior_status, created_at, responded_at`

func (p *PostgresStore) CreateEdit(ctx context.Context, e models.RideEdit) error {
	data, err := json.Marshal(e.ProposedData)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `INSERT INTO ride_edits(`+editColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.RideID, string(e.ProposedBy), data, e.RequestNotes, e.ResponseNotes, string(e.Status),
		string(e.PriorStatus), e.CreatedAt, e.RespondedAt)
	if isUniqueViolation(err) {
		return models.ErrEditAlreadyPending
	}
	return err
}

func (p *PostgresStore) GetEdit(ctx context.Context, id string) (models.RideEdit, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+editColumns+` FROM ride_edits WHERE id = $1`, id)
	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideEdit{}, models.ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateEdit(ctx context.Context, e models.RideEdit) error {
	res, err := p.q.ExecContext(ctx, `UPDATE ride_edits SET status = $1, response_notes = $2, responded_at = $3 WHERE id = $4`,
		string(e.Status), e.ResponseNotes, e.RespondedAt, e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) PendingEdit(ctx context.Context, rideID string) (models.RideEdit, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+editColumns+` FROM ride_edits WHERE ride_id = $1 AND status = 'pending'`, rideID)
	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideEdit{}, models.ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) ListEdits(ctx context.Context, rideID string) ([]models.RideEdit, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+editColumns+` FROM ride_edits WHERE ride_id = $1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RideEdit, 0)
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEdit(s scanner) (models.RideEdit, error) {
	var (
		e                 models.RideEdit
		data              []byte
		by, status, prior string
		respondedAt       sql.NullTime
	)
	if err := s.Scan(&e.ID, &e.RideID, &by, &data, &e.RequestNotes, &e.ResponseNotes, &status, &prior, &e.CreatedAt, &respondedAt); err != nil {
		return models.RideEdit{}, err
	}
	if err := json.Unmarshal(data, &e.ProposedData); err != nil {
		return models.RideEdit{}, fmt.Errorf("decode proposed_data for edit %s: %w", e.ID, err)
	}
	e.ProposedBy = models.Party(by)
	e.Status = models.EditStatus(status)
	e.PriorStatus = models.RideStatus(prior)
	if respondedAt.Valid {
		t := respondedAt.Time
		e.RespondedAt = &t
	}
	return e, nil
}

func (p *PostgresStore) GetPaymentAttempt(ctx context.Context, key string) (models.PaymentAttempt, error) {
	var (
		a      models.PaymentAttempt
		status string
	)
	err := p.q.QueryRowContext(ctx, `SELECT key, ride_id, rider_id, amount, attempts, status, provider_ref, last_error, updated_at
		FROM payment_attempts WHERE key = $1`, key).
		Scan(&a.Key, &a.RideID, &a.RiderID, &a.Amount, &a.Attempts, &status, &a.ProviderRef, &a.LastError, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentAttempt{}, models.ErrNotFound
	}
	if err != nil {
		return models.PaymentAttempt{}, err
	}
	a.Status = models.PaymentStatus(status)
	return a, nil
}

func (p *PostgresStore) SavePaymentAttempt(ctx context.Context, a models.PaymentAttempt) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO payment_attempts(key, ride_id, rider_id, amount, attempts, status, provider_ref, last_error, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (key) DO UPDATE SET attempts = EXCLUDED.attempts, status = EXCLUDED.status,
			provider_ref = EXCLUDED.provider_ref, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		a.Key, a.RideID, a.RiderID, a.Amount, a.Attempts, string(a.Status), a.ProviderRef, a.LastError, a.UpdatedAt)
	return err
}

func (p *PostgresStore) LoadPricingSettings(ctx context.Context) (pricing.Settings, error) {
	var data []byte
	err := p.q.QueryRowContext(ctx, `SELECT data FROM pricing_settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.Settings{}, models.ErrNotFound
	}
	if err != nil {
		return pricing.Settings{}, err
	}
	var s pricing.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return pricing.Settings{}, fmt.Errorf("decode pricing settings: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) SavePricingSettings(ctx context.Context, s pricing.Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `INSERT INTO pricing_settings(id, data, updated_at) VALUES(1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		data, s.UpdatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func coordLat(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}
}

func coordLon(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func toCoord(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}
