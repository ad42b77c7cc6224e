package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/johnrirwin/keygate/internal/auth"
	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/ratelimit"
)

// Gateway service method names.
const (
	GatewayServiceName    = "keygate.v1.Gateway"
	AuthenticateMethod    = "/keygate.v1.Gateway/Authenticate"
	RateLimitStatusMethod = "/keygate.v1.Gateway/RateLimitStatus"
)

// gatewayTimeout bounds the store reads behind RateLimitStatus.
const gatewayTimeout = 5 * time.Second

// GatewayServer is implemented by Gateway. Responses are google.protobuf.Struct
// so clients need no generated stubs.
type GatewayServer interface {
	Authenticate(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RateLimitStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Gateway reports on the caller's key. Both methods run behind the Guard,
// which has already resolved the principal.
type Gateway struct {
	limiter *ratelimit.Limiter
	logger  *logging.Logger
}

// NewGateway builds a Gateway. limiter may be nil.
func NewGateway(limiter *ratelimit.Limiter, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{limiter: limiter, logger: logger.Named("grpc")}
}

// Authenticate returns the principal behind the presented key. Each call
// counts against the caller's rate limit.
func (g *Gateway) Authenticate(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p := auth.GetPrincipal(ctx)
	if p == nil {
		return nil, status.Error(codes.Unauthenticated, "missing api key")
	}
	perms := make([]interface{}, len(p.Permissions))
	for i, perm := range p.Permissions {
		perms[i] = perm
	}
	return structpb.NewStruct(map[string]interface{}{
		"principal_id": p.ID,
		"key_id":       p.KeyID,
		"permissions":  perms,
		"quota":        p.Quota,
	})
}

// RateLimitStatus reports the caller's windows without consuming a request.
func (g *Gateway) RateLimitStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p := auth.GetPrincipal(ctx)
	if p == nil {
		return nil, status.Error(codes.Unauthenticated, "missing api key")
	}
	if g.limiter == nil {
		return structpb.NewStruct(map[string]interface{}{"windows": []interface{}{}})
	}

	md, _ := metadata.FromIncomingContext(ctx)
	statusCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	decision, err := g.limiter.Status(statusCtx, ratelimit.Subject{
		PrincipalID: p.ID,
		ClientIP:    clientIP(ctx, md),
		Quota:       p.Quota,
	})
	if err != nil {
		g.logger.Error("Failed to read rate limit status", logging.WithError(err))
		return nil, status.Error(codes.Unavailable, "rate limit status is temporarily unavailable")
	}
	if len(decision.Results) > 0 {
		_ = grpc.SetHeader(ctx, rateLimitMD(decision, false))
	}

	windows := make([]interface{}, len(decision.Results))
	for i, r := range decision.Results {
		windows[i] = map[string]interface{}{
			"window":    r.Window,
			"limit":     r.Limit,
			"remaining": r.Remaining,
			"used":      r.Used,
			"reset":     r.Reset.Unix(),
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"limit":     decision.Limit,
		"remaining": decision.Remaining,
		"reset":     decision.ResetUnix(),
		"windows":   windows,
	})
}

// RegisterGatewayServer registers srv under GatewayServiceName.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&gatewayServiceDesc, srv)
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authenticate", Handler: gatewayHandler(AuthenticateMethod, GatewayServer.Authenticate)},
		{MethodName: "RateLimitStatus", Handler: gatewayHandler(RateLimitStatusMethod, GatewayServer.RateLimitStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "keygate/v1/gateway.proto",
}

type gatewayMethod func(GatewayServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func gatewayHandler(fullMethod string, call gatewayMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GatewayServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}
