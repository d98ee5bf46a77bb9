package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/carpool/internal/carpool/domain"
)

const offerColumns = `id, creator_id, origin_lat, origin_lng, destination_lat, destination_lng, departure_at, total_seats, available_seats, note, created_at, version`

// Postgres persists users, offers and requests. Booking writes go through
// WithinTx; events appended there land in the outbox table in the same
// transaction.
type Postgres struct {
	db    *sql.DB
	topic string
}

// NewPostgres wraps an open database handle. topic is the outbox topic for
// domain events.
func NewPostgres(db *sql.DB, topic string) *Postgres {
	if topic == "" {
		topic = "carpool.events"
	}
	return &Postgres{db: db, topic: topic}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (domain.RideOffer, error) {
	var o domain.RideOffer
	err := row.Scan(&o.ID, &o.CreatorID, &o.Origin.Lat, &o.Origin.Lng, &o.Destination.Lat, &o.Destination.Lng,
		&o.DepartureAt, &o.TotalSeats, &o.AvailableSeats, &o.Note, &o.CreatedAt, &o.Version)
	return o, err
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.ProfilePicture, &u.CreatedAt)
	return u, err
}

// mapPgError translates retryable transaction failures into ErrConcurrencyConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WithinTx runs fn inside a READ COMMITTED transaction.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: sqlTx, topic: p.topic}); err != nil {
		_ = sqlTx.Rollback()
		return mapPgError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

type pgTx struct {
	tx    *sql.Tx
	topic string
}

// ReserveSeat decrements seats with a single conditional update; the row lock
// it takes is held until the surrounding transaction ends.
func (t *pgTx) ReserveSeat(ctx context.Context, offerID uuid.UUID) (domain.RideOffer, error) {
	row := t.tx.QueryRowContext(ctx, `UPDATE ride_offers
SET available_seats = available_seats - 1, version = version + 1
WHERE id = $1 AND available_seats > 0
RETURNING `+offerColumns, offerID)
	offer, err := scanOffer(row)
	if err == nil {
		return offer, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, fmt.Errorf("reserve seat: %w", err)
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ride_offers WHERE id = $1)`, offerID).Scan(&exists); err != nil {
		return domain.RideOffer{}, fmt.Errorf("check offer: %w", err)
	}
	if !exists {
		return domain.RideOffer{}, domain.ErrOfferNotFound
	}
	return domain.RideOffer{}, domain.ErrOfferUnavailable
}

func (t *pgTx) CreateRideRequest(ctx context.Context, req domain.RideRequest) (domain.RideRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO ride_requests (id, offer_id, requester_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.OfferID, req.RequesterID, string(req.Status), req.CreatedAt)
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("insert ride request: %w", err)
	}
	return req, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO outbox (topic, event_type, aggregate_id, payload) VALUES ($1, $2, $3, $4)`,
		t.topic, string(event.Type), event.AggregateID.String(), payload)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// CreateOffer inserts a new offer.
func (p *Postgres) CreateOffer(ctx context.Context, offer domain.RideOffer) (domain.RideOffer, error) {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	if offer.Version == 0 {
		offer.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_offers (`+offerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		offer.ID, offer.CreatorID, offer.Origin.Lat, offer.Origin.Lng, offer.Destination.Lat, offer.Destination.Lng,
		offer.DepartureAt, offer.TotalSeats, offer.AvailableSeats, offer.Note, offer.CreatedAt, offer.Version)
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("insert ride offer: %w", err)
	}
	return offer, nil
}

// GetOffer loads an offer by id.
func (p *Postgres) GetOffer(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	offer, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, domain.ErrOfferNotFound
	}
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("select ride offer: %w", err)
	}
	return offer, nil
}

// UpdateOffer writes the mutable offer fields guarded by the version column.
func (p *Postgres) UpdateOffer(ctx context.Context, offer domain.RideOffer) (domain.RideOffer, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE ride_offers
SET origin_lat = $3, origin_lng = $4, destination_lat = $5, destination_lng = $6, departure_at = $7,
    total_seats = $8, available_seats = $9, note = $10, version = version + 1
WHERE id = $1 AND version = $2
RETURNING `+offerColumns,
		offer.ID, offer.Version, offer.Origin.Lat, offer.Origin.Lng, offer.Destination.Lat, offer.Destination.Lng,
		offer.DepartureAt, offer.TotalSeats, offer.AvailableSeats, offer.Note)
	updated, err := scanOffer(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, fmt.Errorf("update ride offer: %w", mapPgError(err))
	}
	if _, err := p.GetOffer(ctx, offer.ID); err != nil {
		return domain.RideOffer{}, err
	}
	return domain.RideOffer{}, domain.ErrConcurrencyConflict
}

// ListOffersByCreator returns the creator's offers, latest departure first.
func (p *Postgres) ListOffersByCreator(ctx context.Context, creatorID uuid.UUID) ([]domain.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE creator_id = $1 ORDER BY departure_at DESC`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("select ride offers: %w", err)
	}
	defer rows.Close()
	var out []domain.RideOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride offer: %w", err)
		}
		out = append(out, offer)
	}
	return out, rows.Err()
}

// ListRequestsByOffer returns requests in insertion order.
func (p *Postgres) ListRequestsByOffer(ctx context.Context, offerID uuid.UUID) ([]domain.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, offer_id, requester_id, status, created_at FROM ride_requests WHERE offer_id = $1 ORDER BY seq`, offerID)
	if err != nil {
		return nil, fmt.Errorf("select ride requests: %w", err)
	}
	defer rows.Close()
	out := []domain.RideRequest{}
	for rows.Next() {
		var req domain.RideRequest
		var status string
		if err := rows.Scan(&req.ID, &req.OfferID, &req.RequesterID, &status, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ride request: %w", err)
		}
		req.Status = domain.RequestStatus(status)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ride requests: %w", err)
	}
	return out, nil
}

// CreateUser inserts a user; a duplicate email yields ErrEmailTaken.
func (p *Postgres) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = strings.ToLower(user.Email)
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (id, email, first_name, last_name, password_hash, profile_picture, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.FirstName, user.LastName, user.PasswordHash, user.ProfilePicture, user.CreatedAt)
	if isUniqueViolation(err) {
		return domain.User{}, domain.ErrEmailTaken
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// FindUserByEmail loads a user by email.
func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	user, err := scanUser(p.db.QueryRowContext(ctx, `SELECT id, email, first_name, last_name, password_hash, profile_picture, created_at FROM users WHERE email = $1`, strings.ToLower(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrRequesterNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// ListUsers pages through users, newest first.
func (p *Postgres) ListUsers(ctx context.Context, page domain.PageRequest) ([]domain.User, int64, error) {
	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, email, first_name, last_name, password_hash, profile_picture, created_at FROM users ORDER BY created_at DESC, email LIMIT $1 OFFSET $2`, page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()
	users := []domain.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, total, rows.Err()
}

// UpdateProfilePicture stores the picture path on the user.
func (p *Postgres) UpdateProfilePicture(ctx context.Context, userID uuid.UUID, path string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET profile_picture = $2 WHERE id = $1`, userID, path)
	if err != nil {
		return fmt.Errorf("update profile picture: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrRequesterNotFound
	}
	return nil
}
