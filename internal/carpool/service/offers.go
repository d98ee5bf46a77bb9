package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/carpool/domain"
)

const MaxSeatsPerOffer = 8

// OfferService publishes and looks up ride offers.
type OfferService struct {
	offers   domain.OfferRepository
	identity domain.IdentityResolver
	index    domain.OfferIndex
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
}

// NewOfferService constructs an OfferService. index and events may be nil.
func NewOfferService(offers domain.OfferRepository, identity domain.IdentityResolver, index domain.OfferIndex, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *OfferService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfferService{offers: offers, identity: identity, index: index, events: events, clock: clock, logger: logger}
}

// CreateOfferRequest contains the payload for publishing an offer.
type CreateOfferRequest struct {
	Origin      domain.GeoPoint
	Destination domain.GeoPoint
	DepartureAt time.Time
	TotalSeats  int
	Note        string
}

func (r CreateOfferRequest) validate(now time.Time) error {
	if r.TotalSeats < 1 || r.TotalSeats > MaxSeatsPerOffer {
		return domain.Invalid(fmt.Sprintf("total_seats must be between 1 and %d", MaxSeatsPerOffer))
	}
	if !r.DepartureAt.After(now) {
		return domain.Invalid("departure_at must be in the future")
	}
	if !validPoint(r.Origin) || !validPoint(r.Destination) {
		return domain.Invalid("invalid coordinates")
	}
	return nil
}

func validPoint(p domain.GeoPoint) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// CreateOffer stores a new offer owned by the caller with every seat available.
func (s *OfferService) CreateOffer(ctx context.Context, creatorEmail string, req CreateOfferRequest) (domain.RideOffer, error) {
	creator, err := s.identity.FindByEmail(ctx, creatorEmail)
	if err != nil {
		return domain.RideOffer{}, err
	}
	now := s.clock.Now()
	if err := req.validate(now); err != nil {
		return domain.RideOffer{}, err
	}

	offer, err := s.offers.CreateOffer(ctx, domain.RideOffer{
		ID:             uuid.New(),
		CreatorID:      creator.ID,
		Origin:         req.Origin,
		Destination:    req.Destination,
		DepartureAt:    req.DepartureAt.UTC(),
		TotalSeats:     req.TotalSeats,
		AvailableSeats: req.TotalSeats,
		Note:           req.Note,
		CreatedAt:      now,
		Version:        1,
	})
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("create offer: %w", err)
	}

	if s.index != nil {
		if err := s.index.Add(ctx, offer.ID, offer.Origin); err != nil {
			s.logger.Warn("offer index add failed", zap.String("offer_id", offer.ID.String()), zap.Error(err))
		}
	}
	if s.events != nil {
		err := s.events.Publish(ctx, domain.Event{
			ID:          uuid.New(),
			AggregateID: offer.ID,
			Type:        domain.EventRideOfferCreated,
			Payload:     map[string]any{"creator_id": creator.ID.String(), "total_seats": offer.TotalSeats},
			CreatedAt:   now,
		})
		if err != nil {
			s.logger.Warn("offer event publish failed", zap.String("offer_id", offer.ID.String()), zap.Error(err))
		}
	}
	return offer, nil
}

// GetOffer retrieves an offer by identifier.
func (s *OfferService) GetOffer(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	return s.offers.GetOffer(ctx, id)
}

// UpdateOfferRequest carries the editable fields of an offer. Nil fields are
// left unchanged; a non-zero Version must match the stored offer.
type UpdateOfferRequest struct {
	DepartureAt *time.Time
	Note        *string
	Version     int64
}

// UpdateOffer edits an offer owned by the caller. The write is guarded by the
// offer version, so a concurrent booking or edit yields ErrConcurrencyConflict.
func (s *OfferService) UpdateOffer(ctx context.Context, id uuid.UUID, editorEmail string, req UpdateOfferRequest) (domain.RideOffer, error) {
	editor, err := s.identity.FindByEmail(ctx, editorEmail)
	if err != nil {
		return domain.RideOffer{}, err
	}
	offer, err := s.offers.GetOffer(ctx, id)
	if err != nil {
		return domain.RideOffer{}, err
	}
	if offer.CreatorID != editor.ID {
		s.logger.Debug("offer edit denied", zap.String("offer_id", id.String()), zap.String("user_id", editor.ID.String()))
		return domain.RideOffer{}, domain.ErrOfferNotFound
	}
	if req.Version != 0 && req.Version != offer.Version {
		return domain.RideOffer{}, domain.ErrConcurrencyConflict
	}
	if req.DepartureAt != nil {
		if !req.DepartureAt.After(s.clock.Now()) {
			return domain.RideOffer{}, domain.Invalid("departure_at must be in the future")
		}
		offer.DepartureAt = req.DepartureAt.UTC()
	}
	if req.Note != nil {
		offer.Note = *req.Note
	}

	updated, err := s.offers.UpdateOffer(ctx, offer)
	if err != nil {
		if domain.KindOf(err) != domain.KindUnknown {
			return domain.RideOffer{}, err
		}
		return domain.RideOffer{}, fmt.Errorf("update offer: %w", err)
	}
	return updated, nil
}

// ListMyOffers returns the caller's offers, latest departure first.
func (s *OfferService) ListMyOffers(ctx context.Context, creatorEmail string) ([]domain.RideOffer, error) {
	creator, err := s.identity.FindByEmail(ctx, creatorEmail)
	if err != nil {
		return nil, err
	}
	offers, err := s.offers.ListOffersByCreator(ctx, creator.ID)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []domain.RideOffer{}
	}
	return offers, nil
}

// SearchOffers returns bookable offers whose origin lies within radiusKM of
// point, closest first.
func (s *OfferService) SearchOffers(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]domain.RideOffer, error) {
	if s.index == nil {
		return nil, errors.New("offer search not configured")
	}
	if !validPoint(point) {
		return nil, domain.Invalid("invalid coordinates")
	}
	if radiusKM <= 0 {
		radiusKM = 10
	}
	if limit <= 0 || limit > domain.MaxPageSize {
		limit = domain.DefaultPageSize
	}

	now := s.clock.Now()
	out := make([]domain.RideOffer, 0, limit)
	seen := make(map[uuid.UUID]struct{})
	for fetch := limit; ; fetch *= 2 {
		ids, err := s.index.Nearby(ctx, point, radiusKM, fetch)
		if err != nil {
			return nil, fmt.Errorf("search offers: %w", err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			offer, err := s.offers.GetOffer(ctx, id)
			if err != nil && !errors.Is(err, domain.ErrOfferNotFound) {
				return nil, err
			}
			if err != nil || !bookable(offer, now) {
				s.evict(ctx, id)
				continue
			}
			out = append(out, offer)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(ids) < fetch {
			return out, nil
		}
	}
}

func bookable(offer domain.RideOffer, now time.Time) bool {
	return offer.AvailableSeats > 0 && offer.DepartureAt.After(now)
}

// evict drops offers that can no longer be booked so they stop occupying
// search results.
func (s *OfferService) evict(ctx context.Context, id uuid.UUID) {
	if err := s.index.Remove(ctx, id); err != nil {
		s.logger.Warn("offer index remove failed", zap.String("offer_id", id.String()), zap.Error(err))
	}
}
