package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/carpool/internal/carpool/domain"
	"github.com/example/carpool/internal/carpool/repository"
)

type recordingPublisher struct{ events []domain.Event }

func (r *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	r.events = append(r.events, event)
	return nil
}

func seedOffer(t *testing.T, repo *repository.MemoryRepository, seats int) domain.RideOffer {
	t.Helper()
	offer, err := repo.CreateOffer(context.Background(), domain.RideOffer{
		CreatorID:      uuid.New(),
		DepartureAt:    time.Now().Add(time.Hour),
		TotalSeats:     seats,
		AvailableSeats: seats,
	})
	require.NoError(t, err)
	return offer
}

func TestMemoryTxCommitsSeatAndRequestTogether(t *testing.T) {
	publisher := &recordingPublisher{}
	repo := repository.NewMemoryRepository(publisher, nil)
	offer := seedOffer(t, repo, 2)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.ReserveSeat(ctx, offer.ID); err != nil {
			return err
		}
		if _, err := tx.CreateRideRequest(ctx, domain.RideRequest{OfferID: offer.ID, Status: domain.RequestPending}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.Event{Type: domain.EventRideRequestCreated})
	})
	require.NoError(t, err)

	stored, err := repo.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)
	require.Equal(t, offer.Version+1, stored.Version)

	requests, err := repo.ListRequestsByOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Len(t, publisher.events, 1)
	require.Len(t, repo.Events(), 1)
}

func TestMemoryTxRollsBackOnError(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	offer := seedOffer(t, repo, 1)
	ctx := context.Background()
	boom := errors.New("insert failed")

	err := repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.ReserveSeat(ctx, offer.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := repo.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.AvailableSeats)
	requests, err := repo.ListRequestsByOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestMemoryReserveSeatErrors(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	offer := seedOffer(t, repo, 1)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.ReserveSeat(ctx, uuid.New())
		return err
	})
	require.ErrorIs(t, err, domain.ErrOfferNotFound)

	err = repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.ReserveSeat(ctx, offer.ID); err != nil {
			return err
		}
		_, err := tx.ReserveSeat(ctx, offer.ID)
		return err
	})
	require.ErrorIs(t, err, domain.ErrOfferUnavailable)
}

func TestMemoryCommitDetectsConcurrentOfferUpdate(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	offer := seedOffer(t, repo, 3)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.ReserveSeat(ctx, offer.ID); err != nil {
			return err
		}
		edited := offer
		edited.Note = "leaving earlier"
		_, err := repo.UpdateOffer(ctx, edited)
		return err
	})
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	stored, err := repo.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.AvailableSeats)
	require.Equal(t, "leaving earlier", stored.Note)
}

func TestMemoryUpdateOfferVersionCheck(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	offer := seedOffer(t, repo, 3)
	ctx := context.Background()

	updated, err := repo.UpdateOffer(ctx, offer)
	require.NoError(t, err)
	require.Equal(t, offer.Version+1, updated.Version)

	_, err = repo.UpdateOffer(ctx, offer)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	_, err = repo.UpdateOffer(ctx, domain.RideOffer{ID: uuid.New()})
	require.ErrorIs(t, err, domain.ErrOfferNotFound)
}

func TestMemoryUsers(t *testing.T) {
	repo := repository.NewMemoryRepository(nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, email := range []string{"a@x.io", "B@x.io", "c@x.io"} {
		_, err := repo.CreateUser(ctx, domain.User{Email: email, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := repo.CreateUser(ctx, domain.User{Email: "b@X.io"})
	require.ErrorIs(t, err, domain.ErrEmailTaken)

	user, err := repo.FindUserByEmail(ctx, "b@x.io")
	require.NoError(t, err)
	require.Equal(t, "b@x.io", user.Email)

	users, total, err := repo.ListUsers(ctx, domain.PageRequest{Page: 0, Size: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Equal(t, []string{"c@x.io", "b@x.io"}, []string{users[0].Email, users[1].Email})

	users, _, err = repo.ListUsers(ctx, domain.PageRequest{Page: 5, Size: 2})
	require.NoError(t, err)
	require.Empty(t, users)

	require.NoError(t, repo.UpdateProfilePicture(ctx, user.ID, "users/x/1.png"))
	user, err = repo.FindUserByEmail(ctx, "b@x.io")
	require.NoError(t, err)
	require.Equal(t, "users/x/1.png", user.ProfilePicture)

	_, err = repo.FindUserByEmail(ctx, "nobody@x.io")
	require.ErrorIs(t, err, domain.ErrRequesterNotFound)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, domain.Event) error {
	return errors.New("broker down")
}

// blockingPublisher holds the first publish until release is closed.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, _ domain.Event) error {
	select {
	case b.entered <- struct{}{}:
		<-b.release
	default:
	}
	return nil
}

func bookOne(ctx context.Context, repo *repository.MemoryRepository, offerID uuid.UUID) error {
	return repo.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.ReserveSeat(ctx, offerID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, domain.Event{Type: domain.EventRideRequestCreated, AggregateID: offerID})
	})
}

func TestMemoryPublishFailureIsLoggedAfterCommit(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	repo := repository.NewMemoryRepository(failingPublisher{}, zap.New(core))
	offer := seedOffer(t, repo, 1)

	require.NoError(t, bookOne(context.Background(), repo, offer.ID))

	stored, err := repo.GetOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AvailableSeats)

	entries := logs.FilterMessage("event publish failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, offer.ID.String(), entries[0].ContextMap()["aggregate_id"])
	require.Equal(t, "broker down", entries[0].ContextMap()["error"])
}

func TestMemoryStalledPublisherDoesNotBlockTransactions(t *testing.T) {
	publisher := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	repo := repository.NewMemoryRepository(publisher, nil)
	first := seedOffer(t, repo, 1)
	second := seedOffer(t, repo, 1)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() { firstDone <- bookOne(ctx, repo, first.ID) }()
	<-publisher.entered

	secondDone := make(chan error, 1)
	go func() { secondDone <- bookOne(ctx, repo, second.ID) }()
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction blocked behind a stalled publish")
	}

	close(publisher.release)
	require.NoError(t, <-firstDone)
}
