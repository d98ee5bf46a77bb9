package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/carpool/domain"
	"github.com/example/carpool/internal/carpool/service"
)

const multipartOverhead = 1 << 20

// HTTP exposes the carpool REST API.
type HTTP struct {
	users    *service.UserService
	offers   *service.OfferService
	booking  *service.BookingService
	tokens   *auth.Issuer
	logger   *zap.Logger
	maxBytes int64
}

// Deps groups the services behind the REST API.
type Deps struct {
	Users           *service.UserService
	Offers          *service.OfferService
	Booking         *service.BookingService
	Tokens          *auth.Issuer
	Logger          *zap.Logger
	MaxPictureBytes int64
}

// NewHTTP constructs a handler.
func NewHTTP(deps Deps) *HTTP {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxPictureBytes <= 0 {
		deps.MaxPictureBytes = 5 << 20
	}
	return &HTTP{
		users:    deps.Users,
		offers:   deps.Offers,
		booking:  deps.Booking,
		tokens:   deps.Tokens,
		logger:   deps.Logger,
		maxBytes: deps.MaxPictureBytes,
	}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router(extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.requestLogger, middleware.Recoverer)
	r.Use(extra...)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/v1/auth/register", h.register)
	r.Post("/v1/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(h.tokens.Middleware())
		r.Get("/v1/users", h.listUsers)
		r.Post("/v1/users/me/picture", h.uploadPicture)

		r.Post("/v1/offers", h.createOffer)
		r.Get("/v1/offers/mine", h.listMyOffers)
		r.Get("/v1/offers/search", h.searchOffers)
		r.Get("/v1/offers/{id}", h.getOffer)
		r.Patch("/v1/offers/{id}", h.updateOffer)
		r.Post("/v1/offers/{id}/requests", h.createRideRequest)
		r.Get("/v1/offers/{id}/requests", h.listRideRequests)
	})
	return r
}

func (h *HTTP) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *HTTP) register(w http.ResponseWriter, r *http.Request) {
	var payload registerRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := h.users.Register(r.Context(), service.RegisterRequest{
		Email:     payload.Email,
		Password:  payload.Password,
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	token, err := h.users.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			writeMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})
}

func (h *HTTP) listUsers(w http.ResponseWriter, r *http.Request) {
	page, err := h.users.ListUsers(r.Context(), domain.PageRequest{
		Page: queryInt(r, "page", 0),
		Size: queryInt(r, "size", domain.DefaultPageSize),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *HTTP) uploadPicture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxBytes + multipartOverhead); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	user, err := h.users.UploadProfilePicture(r.Context(), auth.SubjectFromContext(r.Context()), header.Filename, file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type createOfferRequest struct {
	Origin      domain.GeoPoint `json:"origin"`
	Destination domain.GeoPoint `json:"destination"`
	DepartureAt time.Time       `json:"departure_at"`
	TotalSeats  int             `json:"total_seats"`
	Note        string          `json:"note"`
}

func (h *HTTP) createOffer(w http.ResponseWriter, r *http.Request) {
	var payload createOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	offer, err := h.offers.CreateOffer(r.Context(), auth.SubjectFromContext(r.Context()), service.CreateOfferRequest{
		Origin:      payload.Origin,
		Destination: payload.Destination,
		DepartureAt: payload.DepartureAt,
		TotalSeats:  payload.TotalSeats,
		Note:        payload.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (h *HTTP) getOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := offerID(w, r)
	if !ok {
		return
	}
	offer, err := h.offers.GetOffer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type updateOfferRequest struct {
	DepartureAt *time.Time `json:"departure_at"`
	Note        *string    `json:"note"`
	Version     int64      `json:"version"`
}

func (h *HTTP) updateOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := offerID(w, r)
	if !ok {
		return
	}
	var payload updateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	offer, err := h.offers.UpdateOffer(r.Context(), id, auth.SubjectFromContext(r.Context()), service.UpdateOfferRequest{
		DepartureAt: payload.DepartureAt,
		Note:        payload.Note,
		Version:     payload.Version,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *HTTP) listMyOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.offers.ListMyOffers(r.Context(), auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *HTTP) searchOffers(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeMessage(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius, _ := strconv.ParseFloat(r.URL.Query().Get("radius_km"), 64)
	offers, err := h.offers.SearchOffers(r.Context(), domain.GeoPoint{Lat: lat, Lng: lng}, radius, queryInt(r, "limit", domain.DefaultPageSize))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *HTTP) createRideRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := offerID(w, r)
	if !ok {
		return
	}
	resp, err := h.booking.CreateRideRequest(r.Context(), r.Header.Get("Idempotency-Key"), id, auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *HTTP) listRideRequests(w http.ResponseWriter, r *http.Request) {
	id, ok := offerID(w, r)
	if !ok {
		return
	}
	requests, err := h.booking.ListRequestsForOffer(r.Context(), id, auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func offerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindOfferUnavailable, domain.KindConflict, domain.KindConcurrencyConflict:
		return http.StatusConflict
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindNotAuthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
