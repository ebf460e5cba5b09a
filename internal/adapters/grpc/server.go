// Package grpc serves the internal token and provider-health API to other
// services. Messages are structpb values, so no generated stubs are needed.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

const serviceName = "authcore.v1.AuthInternalService"

type AuthInternalService interface {
	ValidateToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProviderHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPublicKeys(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// HealthSource reports per-provider health; *application.Service satisfies it.
type HealthSource interface {
	ProviderHealth() map[string]domain.HealthCheckResult
}

type AuthInternalServer struct {
	tokens ports.TokenManager
	signer ports.TokenSigner
	health HealthSource
}

func NewAuthInternalServer(tokens ports.TokenManager, signer ports.TokenSigner, health HealthSource) *AuthInternalServer {
	return &AuthInternalServer{tokens: tokens, signer: signer, health: health}
}

func Register(server grpc.ServiceRegistrar, svc AuthInternalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*AuthInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ValidateToken", Handler: unary("ValidateToken", func() *structpb.Struct { return &structpb.Struct{} }, svc.ValidateToken)},
			{MethodName: "GetProviderHealth", Handler: unary("GetProviderHealth", func() *emptypb.Empty { return &emptypb.Empty{} }, svc.GetProviderHealth)},
			{MethodName: "GetPublicKeys", Handler: unary("GetPublicKeys", func() *emptypb.Empty { return &emptypb.Empty{} }, svc.GetPublicKeys)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "authcore/v1/auth_internal.proto",
	}, svc)
}

// ValidateToken verifies an access token and returns its claims.
func (s *AuthInternalServer) ValidateToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := req.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}
	claims, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(map[string]any{
		"valid":       true,
		"user_id":     claims.UserID,
		"email":       claims.Email,
		"username":    claims.Username,
		"session_id":  claims.SessionID,
		"roles":       toAnySlice(claims.Roles),
		"permissions": toAnySlice(claims.Permissions),
		"expires_at":  claims.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *AuthInternalServer) GetProviderHealth(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	providers := make(map[string]any)
	healthy := 0
	for name, h := range s.health.ProviderHealth() {
		if h.Healthy {
			healthy++
		}
		providers[name] = map[string]any{
			"healthy":          h.Healthy,
			"message":          h.Message,
			"response_time_ms": h.ResponseTime.Milliseconds(),
			"checked_at":       h.Timestamp.Unix(),
		}
	}
	resp, err := structpb.NewStruct(map[string]any{
		"providers": providers,
		"healthy":   healthy,
		"total":     len(providers),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *AuthInternalServer) GetPublicKeys(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	keys, err := s.signer.PublicJWKs()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get keys: %v", err)
	}
	list := make([]any, 0, len(keys))
	for _, k := range keys {
		list = append(list, k)
	}
	resp, err := structpb.NewStruct(map[string]any{"keys": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func unary[Req proto.Message](method string, newReq func() Req, call func(context.Context, Req) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(Req)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func toStatus(err error) error {
	authErr := domain.AsAuthError(err)
	switch authErr.Type {
	case domain.ErrorTokenInvalid, domain.ErrorTokenExpired, domain.ErrorCredentialsInvalid, domain.ErrorSessionExpired:
		return status.Error(codes.Unauthenticated, authErr.Message)
	case domain.ErrorValidation:
		return status.Error(codes.InvalidArgument, authErr.Message)
	case domain.ErrorRateLimited, domain.ErrorAccountLocked:
		return status.Error(codes.ResourceExhausted, authErr.Message)
	case domain.ErrorProviderUnavailable, domain.ErrorCircuitOpen, domain.ErrorNetwork:
		return status.Error(codes.Unavailable, authErr.Message)
	case domain.ErrorMethodNotSupported:
		return status.Error(codes.Unimplemented, authErr.Message)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
