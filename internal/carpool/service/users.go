package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/carpool/internal/carpool/domain"
)

const (
	minPasswordLength      = 8
	defaultMaxPictureBytes = 5 << 20
	RoleUser               = "user"
)

// PictureStorage persists profile pictures and returns their relative path.
type PictureStorage interface {
	Save(ctx context.Context, userID uuid.UUID, filename string, content []byte) (string, error)
	Delete(ctx context.Context, path string) error
}

// TokenIssuer signs access tokens for authenticated users.
type TokenIssuer interface {
	Issue(subject, role string) (string, error)
}

// UserService manages accounts, credentials and profile pictures. It also
// serves as the identity resolver for the other services.
type UserService struct {
	users           domain.UserRepository
	storage         PictureStorage
	tokens          TokenIssuer
	clock           domain.Clock
	logger          *zap.Logger
	bcryptCost      int
	maxPictureBytes int64
}

// UserConfig tunes password hashing and upload limits.
type UserConfig struct {
	BcryptCost      int
	MaxPictureBytes int64
}

// NewUserService constructs a UserService.
func NewUserService(users domain.UserRepository, storage PictureStorage, tokens TokenIssuer, clock domain.Clock, logger *zap.Logger, cfg UserConfig) *UserService {
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MaxPictureBytes <= 0 {
		cfg.MaxPictureBytes = defaultMaxPictureBytes
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{
		users:           users,
		storage:         storage,
		tokens:          tokens,
		clock:           clock,
		logger:          logger,
		bcryptCost:      cfg.BcryptCost,
		maxPictureBytes: cfg.MaxPictureBytes,
	}
}

// RegisterRequest contains the sign-up payload.
type RegisterRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates an account with a bcrypt-hashed password.
func (s *UserService) Register(ctx context.Context, req RegisterRequest) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return domain.User{}, domain.Invalid("invalid email")
	}
	if len(req.Password) < minPasswordLength {
		return domain.User{}, domain.Invalid(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.CreateUser(ctx, domain.User{
		ID:           uuid.New(),
		Email:        email,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: string(hash),
		CreatedAt:    s.clock.Now(),
	})
	if err != nil {
		return domain.User{}, err
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	return user, nil
}

// Login verifies credentials and returns a signed access token.
func (s *UserService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.FindUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return "", domain.ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", domain.ErrInvalidCredentials
	}
	token, err := s.tokens.Issue(user.Email, RoleUser)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// FindByEmail resolves a user by email.
func (s *UserService) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	return s.users.FindUserByEmail(ctx, email)
}

// ListUsers returns a page of users, newest first.
func (s *UserService) ListUsers(ctx context.Context, req domain.PageRequest) (domain.Page[domain.User], error) {
	req = req.Normalize()
	users, total, err := s.users.ListUsers(ctx, req)
	if err != nil {
		return domain.Page[domain.User]{}, fmt.Errorf("list users: %w", err)
	}
	return domain.NewPage(users, req, total), nil
}

// UploadProfilePicture replaces the caller's profile picture.
func (s *UserService) UploadProfilePicture(ctx context.Context, email, filename string, content io.Reader) (domain.User, error) {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, err
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxPictureBytes+1))
	if err != nil {
		return domain.User{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return domain.User{}, domain.Invalid("empty file")
	}
	if int64(len(data)) > s.maxPictureBytes {
		return domain.User{}, domain.Invalid("file too large")
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return domain.User{}, domain.Invalid("file is not an image")
	}

	path, err := s.storage.Save(ctx, user.ID, filename, data)
	if err != nil {
		return domain.User{}, fmt.Errorf("save picture: %w", err)
	}
	if err := s.users.UpdateProfilePicture(ctx, user.ID, path); err != nil {
		_ = s.storage.Delete(ctx, path)
		return domain.User{}, err
	}

	if previous := user.ProfilePicture; previous != "" && previous != path {
		if err := s.storage.Delete(ctx, previous); err != nil {
			s.logger.Warn("delete previous picture failed", zap.String("path", previous), zap.Error(err))
		}
	}
	user.ProfilePicture = path
	s.logger.Info("profile picture updated", zap.String("user_id", user.ID.String()))
	return user, nil
}
