package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/carpool/domain"
)

// BookingConfig tunes conflict retries and idempotency retention.
type BookingConfig struct {
	MaxAttempts    int
	Backoff        time.Duration
	IdempotencyTTL time.Duration
}

// BookingDeps are the collaborators of the booking service. Idempotency,
// Clock and Logger are optional.
type BookingDeps struct {
	UnitOfWork  domain.UnitOfWork
	Offers      domain.OfferRepository
	Requests    domain.RequestRepository
	Identity    domain.IdentityResolver
	Idempotency domain.IdempotencyRepository
	Clock       domain.Clock
	Logger      *zap.Logger
}

// BookingService admits ride requests against an offer's remaining seats.
type BookingService struct {
	uow        domain.UnitOfWork
	offers     domain.OfferRepository
	requests   domain.RequestRepository
	identity   domain.IdentityResolver
	idempotent domain.IdempotencyRepository
	clock      domain.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        BookingConfig
}

// NewBookingService constructs a BookingService with the required collaborators.
func NewBookingService(deps BookingDeps, cfg BookingConfig) *BookingService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 20 * time.Millisecond
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &BookingService{
		uow:        deps.UnitOfWork,
		offers:     deps.Offers,
		requests:   deps.Requests,
		identity:   deps.Identity,
		idempotent: deps.Idempotency,
		clock:      deps.Clock,
		logger:     deps.Logger,
		tracer:     otel.Tracer("carpool.booking"),
		cfg:        cfg,
	}
}

// CreateRideRequestResponse returns the created request identifier and status.
type CreateRideRequestResponse struct {
	RequestID uuid.UUID            `json:"request_id"`
	Status    domain.RequestStatus `json:"status"`
}

// CreateRideRequest books one seat of the offer for the requester. A non-empty
// key makes the call idempotent per requester and offer.
func (s *BookingService) CreateRideRequest(ctx context.Context, key string, offerID uuid.UUID, requesterEmail string) (resp CreateRideRequestResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.create_ride_request", trace.WithAttributes(
		attribute.String("offer_id", offerID.String()),
	))
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = domain.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		bookingAttempts.WithLabelValues(result).Inc()
		bookingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		span.End()
	}()

	requester, err := s.resolve(ctx, requesterEmail)
	if err != nil {
		return CreateRideRequestResponse{}, err
	}

	idemKey := ""
	if key != "" && s.idempotent != nil {
		idemKey = requester.ID.String() + ":" + offerID.String() + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, idemKey); err == nil && ok {
			var replay CreateRideRequestResponse
			if err := json.Unmarshal(cached, &replay); err == nil {
				return replay, nil
			}
		} else if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.Error(err))
		}
	}

	created, err := s.book(ctx, offerID, requester.ID)
	if err != nil {
		return CreateRideRequestResponse{}, err
	}

	resp = CreateRideRequestResponse{RequestID: created.ID, Status: created.Status}
	if idemKey != "" {
		if payload, err := json.Marshal(resp); err == nil {
			if err := s.idempotent.PutResponse(ctx, idemKey, payload, s.cfg.IdempotencyTTL); err != nil {
				s.logger.Warn("idempotency store failed", zap.Error(err))
			}
		}
	}

	s.logger.Info("ride request created",
		zap.String("request_id", created.ID.String()),
		zap.String("offer_id", offerID.String()),
		zap.String("requester_id", requester.ID.String()),
	)
	return resp, nil
}

// book runs the seat decrement and request insert as one transaction,
// retrying a bounded number of times on concurrency conflicts.
func (s *BookingService) book(ctx context.Context, offerID, requesterID uuid.UUID) (domain.RideRequest, error) {
	var created domain.RideRequest
	for attempt := 1; ; attempt++ {
		err := s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.ReserveSeat(ctx, offerID); err != nil {
				return err
			}
			req, err := tx.CreateRideRequest(ctx, domain.RideRequest{
				ID:          uuid.New(),
				OfferID:     offerID,
				RequesterID: requesterID,
				Status:      domain.RequestPending,
				CreatedAt:   s.clock.Now(),
			})
			if err != nil {
				return err
			}
			created = req
			return tx.AppendEvent(ctx, domain.Event{
				ID:          uuid.New(),
				AggregateID: req.ID,
				Type:        domain.EventRideRequestCreated,
				Payload: map[string]any{
					"offer_id":     offerID.String(),
					"requester_id": requesterID.String(),
					"status":       string(req.Status),
				},
				CreatedAt: req.CreatedAt,
			})
		})
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			if domain.KindOf(err) != domain.KindUnknown {
				return domain.RideRequest{}, err
			}
			return domain.RideRequest{}, fmt.Errorf("create ride request: %w", err)
		}

		bookingConflictRetries.Inc()
		s.logger.Debug("booking conflict", zap.Int("attempt", attempt), zap.String("offer_id", offerID.String()))
		if attempt >= s.cfg.MaxAttempts {
			return domain.RideRequest{}, domain.ErrOfferUnavailable
		}
		select {
		case <-time.After(s.cfg.Backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return domain.RideRequest{}, ctx.Err()
		}
	}
}

// ListRequestsForOffer returns the offer's requests in creation order. Only
// the offer's creator may list them; anyone else gets the same error as for
// a missing offer.
func (s *BookingService) ListRequestsForOffer(ctx context.Context, offerID uuid.UUID, requesterEmail string) ([]domain.RideRequest, error) {
	ctx, span := s.tracer.Start(ctx, "booking.list_ride_requests", trace.WithAttributes(
		attribute.String("offer_id", offerID.String()),
	))
	defer span.End()

	user, err := s.resolve(ctx, requesterEmail)
	if err != nil {
		return nil, err
	}
	offer, err := s.offers.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := authorizeCreator(offer, user); err != nil {
		s.logger.Debug("ride request listing denied",
			zap.String("offer_id", offerID.String()),
			zap.String("user_id", user.ID.String()),
			zap.Error(err),
		)
		return nil, concealAccess(err)
	}

	requests, err := s.requests.ListRequestsByOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("list ride requests: %w", err)
	}
	return requests, nil
}

func (s *BookingService) resolve(ctx context.Context, email string) (domain.User, error) {
	if email == "" {
		return domain.User{}, domain.ErrRequesterNotFound
	}
	user, err := s.identity.FindByEmail(ctx, email)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return domain.User{}, domain.ErrRequesterNotFound
		}
		return domain.User{}, fmt.Errorf("resolve requester: %w", err)
	}
	return user, nil
}

func authorizeCreator(offer domain.RideOffer, user domain.User) error {
	if offer.CreatorID != user.ID {
		return domain.ErrNotAuthorized
	}
	return nil
}

// concealAccess reports ownership failures as a missing offer so callers
// cannot discover offers they do not own.
func concealAccess(err error) error {
	if errors.Is(err, domain.ErrNotAuthorized) {
		return domain.ErrOfferNotFound
	}
	return err
}
