package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName             = "carpool.Booking"
	createRideRequestMethod = "/" + serviceName + "/CreateRideRequest"
	listRideRequestsMethod  = "/" + serviceName + "/ListRideRequests"
)

type CreateRideRequestRequest struct {
	OfferId        string `json:"offer_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreateRideRequestReply struct {
	RequestId string `json:"request_id"`
	Status    string `json:"status"`
}

type ListRideRequestsRequest struct {
	OfferId string `json:"offer_id"`
}

type RideRequest struct {
	Id          string `json:"id"`
	OfferId     string `json:"offer_id"`
	RequesterId string `json:"requester_id"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
}

type ListRideRequestsReply struct {
	Requests []*RideRequest `json:"requests"`
}

// BookingServer defines the gRPC contract.
type BookingServer interface {
	CreateRideRequest(context.Context, *CreateRideRequestRequest) (*CreateRideRequestReply, error)
	ListRideRequests(context.Context, *ListRideRequestsRequest) (*ListRideRequestsReply, error)
}

// RegisterBookingServer registers service implementation.
func RegisterBookingServer(s grpc.ServiceRegistrar, srv BookingServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*BookingServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CreateRideRequest", Handler: _Booking_CreateRideRequest_Handler},
			{MethodName: "ListRideRequests", Handler: _Booking_ListRideRequests_Handler},
		},
	}, srv)
}

func _Booking_CreateRideRequest_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateRideRequestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BookingServer).CreateRideRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createRideRequestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BookingServer).CreateRideRequest(ctx, req.(*CreateRideRequestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Booking_ListRideRequests_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRideRequestsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BookingServer).ListRideRequests(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listRideRequestsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BookingServer).ListRideRequests(ctx, req.(*ListRideRequestsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// BookingClient calls the booking service over a JSON-coded connection.
type BookingClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingClient(cc grpc.ClientConnInterface) *BookingClient {
	return &BookingClient{cc: cc}
}

func (c *BookingClient) CreateRideRequest(ctx context.Context, in *CreateRideRequestRequest, opts ...grpc.CallOption) (*CreateRideRequestReply, error) {
	out := new(CreateRideRequestReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, createRideRequestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingClient) ListRideRequests(ctx context.Context, in *ListRideRequestsRequest, opts ...grpc.CallOption) (*ListRideRequestsReply, error) {
	out := new(ListRideRequestsReply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, listRideRequestsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
