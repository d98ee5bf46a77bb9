package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tx exposes the writes a booking performs. Everything done through a Tx
// becomes visible together on commit or not at all.
type Tx interface {
	// ReserveSeat decrements the offer's available seats only when at least
	// one is left. It returns ErrOfferNotFound or ErrOfferUnavailable.
	ReserveSeat(ctx context.Context, offerID uuid.UUID) (RideOffer, error)
	CreateRideRequest(ctx context.Context, req RideRequest) (RideRequest, error)
	AppendEvent(ctx context.Context, event Event) error
}

type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type OfferRepository interface {
	CreateOffer(ctx context.Context, offer RideOffer) (RideOffer, error)
	GetOffer(ctx context.Context, id uuid.UUID) (RideOffer, error)
	// UpdateOffer saves the offer when its version still matches the stored
	// one and returns ErrConcurrencyConflict otherwise.
	UpdateOffer(ctx context.Context, offer RideOffer) (RideOffer, error)
	ListOffersByCreator(ctx context.Context, creatorID uuid.UUID) ([]RideOffer, error)
}

type RequestRepository interface {
	// ListRequestsByOffer returns requests in creation order.
	ListRequestsByOffer(ctx context.Context, offerID uuid.UUID) ([]RideRequest, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, page PageRequest) ([]User, int64, error)
	UpdateProfilePicture(ctx context.Context, userID uuid.UUID, path string) error
}

// IdentityResolver resolves the authenticated caller to a user.
type IdentityResolver interface {
	FindByEmail(ctx context.Context, email string) (User, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// OfferIndex locates offers by the proximity of their origin.
type OfferIndex interface {
	Add(ctx context.Context, offerID uuid.UUID, origin GeoPoint) error
	Remove(ctx context.Context, offerID uuid.UUID) error
	Nearby(ctx context.Context, point GeoPoint, radiusKM float64, limit int) ([]uuid.UUID, error)
}
