package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/carpool/internal/carpool/domain"
	"github.com/example/carpool/internal/carpool/repository"
	"github.com/example/carpool/internal/carpool/service"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

var epoch = time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *repository.MemoryRepository
	users   *service.UserService
	booking *service.BookingService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository(nil, nil)
	return buildFixture(t, repo, repo, repository.NewMemoryIdempotencyRepo())
}

func buildFixture(t *testing.T, repo *repository.MemoryRepository, uow domain.UnitOfWork, idem domain.IdempotencyRepository) *fixture {
	t.Helper()
	users := service.NewUserService(repo, nil, nil, stubClock{t: epoch}, nil, service.UserConfig{BcryptCost: bcrypt.MinCost})
	booking := service.NewBookingService(service.BookingDeps{
		UnitOfWork:  uow,
		Offers:      repo,
		Requests:    repo,
		Identity:    users,
		Idempotency: idem,
		Clock:       stubClock{t: epoch},
	}, service.BookingConfig{MaxAttempts: 3, Backoff: time.Millisecond})
	return &fixture{repo: repo, users: users, booking: booking}
}

func (f *fixture) addUser(t *testing.T, email string) domain.User {
	t.Helper()
	user, err := f.repo.CreateUser(context.Background(), domain.User{ID: uuid.New(), Email: email, CreatedAt: epoch})
	require.NoError(t, err)
	return user
}

func (f *fixture) addOffer(t *testing.T, creator domain.User, seats int) domain.RideOffer {
	t.Helper()
	offer, err := f.repo.CreateOffer(context.Background(), domain.RideOffer{
		ID:             uuid.New(),
		CreatorID:      creator.ID,
		DepartureAt:    epoch.Add(time.Hour),
		TotalSeats:     seats,
		AvailableSeats: seats,
		CreatedAt:      epoch,
	})
	require.NoError(t, err)
	return offer
}

func TestCreateRideRequestReservesSeat(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	rider := f.addUser(t, "rider@example.com")
	offer := f.addOffer(t, driver, 2)

	resp, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, rider.Email)
	require.NoError(t, err)
	require.Equal(t, domain.RequestPending, resp.Status)

	stored, err := f.repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)

	requests, err := f.repo.ListRequestsByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, resp.RequestID, requests[0].ID)
	require.Equal(t, rider.ID, requests[0].RequesterID)

	events := f.repo.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventRideRequestCreated, events[0].Type)
	require.Equal(t, resp.RequestID, events[0].AggregateID)
}

func TestCreateRideRequestConcurrentBookingsNeverOversell(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	const seats, callers = 3, 12
	offer := f.addOffer(t, driver, seats)

	riders := make([]domain.User, callers)
	for i := range riders {
		riders[i] = f.addUser(t, uuid.NewString()+"@example.com")
	}

	var ok, unavailable atomic.Int32
	var wg sync.WaitGroup
	for _, rider := range riders {
		wg.Add(1)
		go func(email string) {
			defer wg.Done()
			_, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, email)
			switch {
			case err == nil:
				ok.Add(1)
			case domain.KindOf(err) == domain.KindOfferUnavailable:
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(rider.Email)
	}
	wg.Wait()

	require.EqualValues(t, seats, ok.Load())
	require.EqualValues(t, callers-seats, unavailable.Load())

	stored, err := f.repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AvailableSeats)

	requests, err := f.repo.ListRequestsByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Len(t, requests, seats)
}

func TestCreateRideRequestUnknownOffer(t *testing.T) {
	f := newFixture(t)
	rider := f.addUser(t, "rider@example.com")
	missing := uuid.New()

	_, err := f.booking.CreateRideRequest(context.Background(), "", missing, rider.Email)
	require.ErrorIs(t, err, domain.ErrOfferNotFound)

	requests, err := f.repo.ListRequestsByOffer(context.Background(), missing)
	require.NoError(t, err)
	require.Empty(t, requests)
	require.Empty(t, f.repo.Events())
}

func TestCreateRideRequestUnknownRequester(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	offer := f.addOffer(t, driver, 1)

	_, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, "ghost@example.com")
	require.ErrorIs(t, err, domain.ErrRequesterNotFound)

	_, err = f.booking.CreateRideRequest(context.Background(), "", offer.ID, "")
	require.ErrorIs(t, err, domain.ErrRequesterNotFound)

	stored, err := f.repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)
}

func TestCreateRideRequestFullOffer(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	rider := f.addUser(t, "rider@example.com")
	offer := f.addOffer(t, driver, 1)

	_, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, rider.Email)
	require.NoError(t, err)
	_, err = f.booking.CreateRideRequest(context.Background(), "", offer.ID, rider.Email)
	require.ErrorIs(t, err, domain.ErrOfferUnavailable)

	requests, err := f.repo.ListRequestsByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
}

func TestCreateRideRequestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	rider := f.addUser(t, "rider@example.com")
	other := f.addUser(t, "other@example.com")
	offer := f.addOffer(t, driver, 3)

	first, err := f.booking.CreateRideRequest(context.Background(), "key-1", offer.ID, rider.Email)
	require.NoError(t, err)

	// same key returns the cached response without booking again
	replay, err := f.booking.CreateRideRequest(context.Background(), "key-1", offer.ID, rider.Email)
	require.NoError(t, err)
	require.Equal(t, first, replay)

	// keys are scoped per requester
	third, err := f.booking.CreateRideRequest(context.Background(), "key-1", offer.ID, other.Email)
	require.NoError(t, err)
	require.NotEqual(t, first.RequestID, third.RequestID)

	stored, err := f.repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)
}

func TestCreateRideRequestIdempotencyKeyIsScopedToOffer(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	rider := f.addUser(t, "rider@example.com")
	first := f.addOffer(t, driver, 2)
	second := f.addOffer(t, driver, 2)
	ctx := context.Background()

	onFirst, err := f.booking.CreateRideRequest(ctx, "key-1", first.ID, rider.Email)
	require.NoError(t, err)
	onSecond, err := f.booking.CreateRideRequest(ctx, "key-1", second.ID, rider.Email)
	require.NoError(t, err)
	require.NotEqual(t, onFirst.RequestID, onSecond.RequestID)

	requests, err := f.repo.ListRequestsByOffer(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, onSecond.RequestID, requests[0].ID)

	stored, err := f.repo.GetOffer(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)
}

// racingUnitOfWork bumps the offer version behind the booking's back on the
// first attempts, so the commit fails its version check.
type racingUnitOfWork struct {
	repo     *repository.MemoryRepository
	offerID  uuid.UUID
	races    int
	attempts atomic.Int32
}

func (r *racingUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	attempt := int(r.attempts.Add(1))
	return r.repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if attempt <= r.races {
			offer, err := r.repo.GetOffer(ctx, r.offerID)
			if err != nil {
				return err
			}
			offer.Note = "edited"
			_, err = r.repo.UpdateOffer(ctx, offer)
			return err
		}
		return nil
	})
}

func TestCreateRideRequestRetriesOnConflict(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	racer := &racingUnitOfWork{repo: repo, races: 2}
	f := buildFixture(t, repo, racer, nil)

	driver := f.addUser(t, "driver@example.com")
	rider := f.addUser(t, "rider@example.com")
	offer := f.addOffer(t, driver, 2)
	racer.offerID = offer.ID

	_, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, rider.Email)
	require.NoError(t, err)
	require.EqualValues(t, 3, racer.attempts.Load())

	stored, err := repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)
	require.Equal(t, "edited", stored.Note)

	requests, err := repo.ListRequestsByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
}

func TestCreateRideRequestConflictExhaustionReportsUnavailable(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	racer := &racingUnitOfWork{repo: repo, races: 10}
	f := buildFixture(t, repo, racer, nil)

	driver := f.addUser(t, "driver@example.com")
	rider := f.addUser(t, "rider@example.com")
	offer := f.addOffer(t, driver, 2)
	racer.offerID = offer.ID

	_, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, rider.Email)
	require.ErrorIs(t, err, domain.ErrOfferUnavailable)
	require.EqualValues(t, 3, racer.attempts.Load())

	stored, err := repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.AvailableSeats)

	requests, err := repo.ListRequestsByOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestListRequestsForOfferReturnsCreationOrder(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	offer := f.addOffer(t, driver, 4)

	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		rider := f.addUser(t, uuid.NewString()+"@example.com")
		resp, err := f.booking.CreateRideRequest(context.Background(), "", offer.ID, rider.Email)
		require.NoError(t, err)
		want = append(want, resp.RequestID)
	}

	for i := 0; i < 2; i++ {
		requests, err := f.booking.ListRequestsForOffer(context.Background(), offer.ID, driver.Email)
		require.NoError(t, err)
		got := make([]uuid.UUID, len(requests))
		for j, r := range requests {
			got[j] = r.ID
		}
		require.Equal(t, want, got)
	}
}

func TestListRequestsForOfferEmpty(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	offer := f.addOffer(t, driver, 1)

	requests, err := f.booking.ListRequestsForOffer(context.Background(), offer.ID, driver.Email)
	require.NoError(t, err)
	require.NotNil(t, requests)
	require.Empty(t, requests)
}

func TestListRequestsForOfferHidesForeignOffers(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	stranger := f.addUser(t, "stranger@example.com")
	offer := f.addOffer(t, driver, 1)

	_, foreignErr := f.booking.ListRequestsForOffer(context.Background(), offer.ID, stranger.Email)
	_, missingErr := f.booking.ListRequestsForOffer(context.Background(), uuid.New(), stranger.Email)

	require.ErrorIs(t, foreignErr, domain.ErrOfferNotFound)
	require.ErrorIs(t, missingErr, domain.ErrOfferNotFound)
	require.Equal(t, missingErr.Error(), foreignErr.Error())
	require.NotErrorIs(t, foreignErr, domain.ErrNotAuthorized)
}

func TestListRequestsForOfferUnknownCaller(t *testing.T) {
	f := newFixture(t)
	driver := f.addUser(t, "driver@example.com")
	offer := f.addOffer(t, driver, 1)

	_, existing := f.booking.ListRequestsForOffer(context.Background(), offer.ID, "ghost@example.com")
	_, missing := f.booking.ListRequestsForOffer(context.Background(), uuid.New(), "ghost@example.com")
	require.ErrorIs(t, existing, domain.ErrRequesterNotFound)
	require.ErrorIs(t, missing, domain.ErrRequesterNotFound)
}
