package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/carpool/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
// Transactions are serialised and their writes are applied on commit.
type MemoryRepository struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	users    map[uuid.UUID]domain.User
	emails   map[string]uuid.UUID
	offers   map[uuid.UUID]domain.RideOffer
	requests []domain.RideRequest
	events   []domain.Event

	publisher domain.EventPublisher
	logger    *zap.Logger
}

// NewMemoryRepository constructs an empty memory repository. Committed events
// are forwarded to publisher when it is not nil.
func NewMemoryRepository(publisher domain.EventPublisher, logger *zap.Logger) *MemoryRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRepository{
		users:     make(map[uuid.UUID]domain.User),
		emails:    make(map[string]uuid.UUID),
		offers:    make(map[uuid.UUID]domain.RideOffer),
		publisher: publisher,
		logger:    logger,
	}
}

// WithinTx runs fn and applies its staged writes atomically when fn succeeds.
// Events are published after the transaction lock is released; a publish
// failure is logged and does not undo the commit.
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	events, err := m.runTx(ctx, fn)
	if err != nil {
		return err
	}
	if m.publisher == nil {
		return nil
	}
	for _, evt := range events {
		if err := m.publisher.Publish(ctx, evt); err != nil {
			m.logger.Warn("event publish failed",
				zap.String("event_type", string(evt.Type)),
				zap.String("aggregate_id", evt.AggregateID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *MemoryRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) ([]domain.Event, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{repo: m, offers: make(map[uuid.UUID]stagedOffer)}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := m.commit(tx); err != nil {
		return nil, err
	}
	return append([]domain.Event(nil), tx.events...), nil
}

func (m *MemoryRepository) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, staged := range tx.offers {
		current, ok := m.offers[id]
		if !ok {
			return domain.ErrOfferNotFound
		}
		if current.Version != staged.baseVersion {
			return domain.ErrConcurrencyConflict
		}
	}
	for id, staged := range tx.offers {
		m.offers[id] = staged.offer
	}
	m.requests = append(m.requests, tx.requests...)
	m.events = append(m.events, tx.events...)
	return nil
}

type stagedOffer struct {
	offer       domain.RideOffer
	baseVersion int64
}

type memoryTx struct {
	repo     *MemoryRepository
	offers   map[uuid.UUID]stagedOffer
	requests []domain.RideRequest
	events   []domain.Event
}

func (t *memoryTx) ReserveSeat(ctx context.Context, offerID uuid.UUID) (domain.RideOffer, error) {
	staged, ok := t.offers[offerID]
	if !ok {
		offer, err := t.repo.GetOffer(ctx, offerID)
		if err != nil {
			return domain.RideOffer{}, err
		}
		staged = stagedOffer{offer: offer, baseVersion: offer.Version}
	}
	if staged.offer.AvailableSeats <= 0 {
		return domain.RideOffer{}, domain.ErrOfferUnavailable
	}
	staged.offer.AvailableSeats--
	staged.offer.Version++
	t.offers[offerID] = staged
	return staged.offer, nil
}

func (t *memoryTx) CreateRideRequest(_ context.Context, req domain.RideRequest) (domain.RideRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	t.requests = append(t.requests, req)
	return req, nil
}

func (t *memoryTx) AppendEvent(_ context.Context, event domain.Event) error {
	t.events = append(t.events, event)
	return nil
}

// CreateOffer stores the offer and returns it.
func (m *MemoryRepository) CreateOffer(_ context.Context, offer domain.RideOffer) (domain.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	if offer.Version == 0 {
		offer.Version = 1
	}
	m.offers[offer.ID] = offer
	return offer, nil
}

// GetOffer retrieves an offer.
func (m *MemoryRepository) GetOffer(_ context.Context, id uuid.UUID) (domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offer, ok := m.offers[id]
	if !ok {
		return domain.RideOffer{}, domain.ErrOfferNotFound
	}
	return offer, nil
}

// UpdateOffer replaces the stored offer, performing optimistic locking on version.
func (m *MemoryRepository) UpdateOffer(_ context.Context, offer domain.RideOffer) (domain.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.offers[offer.ID]
	if !ok {
		return domain.RideOffer{}, domain.ErrOfferNotFound
	}
	if existing.Version != offer.Version {
		return domain.RideOffer{}, domain.ErrConcurrencyConflict
	}
	offer.Version = existing.Version + 1
	m.offers[offer.ID] = offer
	return offer, nil
}

// ListOffersByCreator returns the creator's offers, latest departure first.
func (m *MemoryRepository) ListOffersByCreator(_ context.Context, creatorID uuid.UUID) ([]domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RideOffer
	for _, offer := range m.offers {
		if offer.CreatorID == creatorID {
			out = append(out, offer)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DepartureAt.After(out[j].DepartureAt)
	})
	return out, nil
}

// ListRequestsByOffer returns requests in the order they were committed.
func (m *MemoryRepository) ListRequestsByOffer(_ context.Context, offerID uuid.UUID) ([]domain.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.RideRequest{}
	for _, req := range m.requests {
		if req.OfferID == offerID {
			out = append(out, req)
		}
	}
	return out, nil
}

// CreateUser stores a user with a unique lower-cased email.
func (m *MemoryRepository) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	if _, taken := m.emails[user.Email]; taken {
		return domain.User{}, domain.ErrEmailTaken
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	m.users[user.ID] = user
	m.emails[user.Email] = user.ID
	return user, nil
}

// FindUserByEmail retrieves a user.
func (m *MemoryRepository) FindUserByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return domain.User{}, domain.ErrRequesterNotFound
	}
	return m.users[id], nil
}

// ListUsers pages through users, newest first.
func (m *MemoryRepository) ListUsers(_ context.Context, page domain.PageRequest) ([]domain.User, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Email < all[j].Email
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := int64(len(all))
	start := page.Offset()
	if start >= len(all) {
		return []domain.User{}, total, nil
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	return append([]domain.User(nil), all[start:end]...), total, nil
}

// UpdateProfilePicture stores the picture path on the user.
func (m *MemoryRepository) UpdateProfilePicture(_ context.Context, userID uuid.UUID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return domain.ErrRequesterNotFound
	}
	user.ProfilePicture = path
	m.users[userID] = user
	return nil
}

// Events returns committed events (for tests).
func (m *MemoryRepository) Events() []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Event(nil), m.events...)
}
