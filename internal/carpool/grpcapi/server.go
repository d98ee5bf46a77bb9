package grpcapi

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/carpool/domain"
	"github.com/example/carpool/internal/carpool/service"
)

// Server implements BookingServer on top of the booking service.
type Server struct {
	booking *service.BookingService
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(booking *service.BookingService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{booking: booking, logger: logger}
}

// CreateRideRequest books a seat for the authenticated caller.
func (s *Server) CreateRideRequest(ctx context.Context, in *CreateRideRequestRequest) (*CreateRideRequestReply, error) {
	offerID, err := uuid.Parse(in.OfferId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid offer_id")
	}
	resp, err := s.booking.CreateRideRequest(ctx, in.IdempotencyKey, offerID, auth.SubjectFromContext(ctx))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &CreateRideRequestReply{RequestId: resp.RequestID.String(), Status: string(resp.Status)}, nil
}

// ListRideRequests returns the offer's requests when the caller created it.
func (s *Server) ListRideRequests(ctx context.Context, in *ListRideRequestsRequest) (*ListRideRequestsReply, error) {
	offerID, err := uuid.Parse(in.OfferId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid offer_id")
	}
	requests, err := s.booking.ListRequestsForOffer(ctx, offerID, auth.SubjectFromContext(ctx))
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := &ListRideRequestsReply{Requests: make([]*RideRequest, 0, len(requests))}
	for _, r := range requests {
		out.Requests = append(out.Requests, &RideRequest{
			Id:          r.ID.String(),
			OfferId:     r.OfferID.String(),
			RequesterId: r.RequesterID.String(),
			Status:      string(r.Status),
			CreatedAt:   r.CreatedAt.UnixMilli(),
		})
	}
	return out, nil
}

func (s *Server) toStatus(err error) error {
	code := CodeFor(err)
	if code == codes.Internal {
		s.logger.Error("grpc booking call failed", zap.Error(err))
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// CodeFor maps an error to its gRPC status code.
func CodeFor(err error) codes.Code {
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return codes.NotFound
	case domain.KindOfferUnavailable:
		return codes.FailedPrecondition
	case domain.KindInvalid:
		return codes.InvalidArgument
	case domain.KindConflict:
		return codes.AlreadyExists
	case domain.KindConcurrencyConflict:
		return codes.Aborted
	case domain.KindNotAuthorized:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// AuthInterceptor validates the bearer token in the authorization metadata
// and stores its claims in the request context.
func AuthInterceptor(tokens *auth.Issuer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var raw string
		if values := md.Get("authorization"); len(values) > 0 {
			raw = auth.TokenFromHeader(strings.TrimSpace(values[0]))
		}
		if raw == "" {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}
		claims, err := tokens.Parse(raw)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(auth.WithClaims(ctx, claims), req)
	}
}
