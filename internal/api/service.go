package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.remediation.v1.DecisionCore"

// DecisionCoreServer is the server API for the DecisionCore service. Requests
// and responses are google.protobuf.Struct documents.
type DecisionCoreServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BreakerStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Audit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportProbe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TripBreaker(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetBreaker(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(DecisionCoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DecisionCoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DecisionCoreServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// DecisionCoreServiceDesc describes the DecisionCore service for grpc.Server.
var DecisionCoreServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DecisionCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", DecisionCoreServer.Evaluate)},
		{MethodName: "BreakerStatus", Handler: unaryHandler("BreakerStatus", DecisionCoreServer.BreakerStatus)},
		{MethodName: "Audit", Handler: unaryHandler("Audit", DecisionCoreServer.Audit)},
		{MethodName: "ReportProbe", Handler: unaryHandler("ReportProbe", DecisionCoreServer.ReportProbe)},
		{MethodName: "TripBreaker", Handler: unaryHandler("TripBreaker", DecisionCoreServer.TripBreaker)},
		{MethodName: "ResetBreaker", Handler: unaryHandler("ResetBreaker", DecisionCoreServer.ResetBreaker)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/remediation/v1/decision_core.proto",
}

// RegisterDecisionCoreServer registers srv on s.
func RegisterDecisionCoreServer(s grpc.ServiceRegistrar, srv DecisionCoreServer) {
	s.RegisterService(&DecisionCoreServiceDesc, srv)
}

// DecisionCoreClient is a thin client for the DecisionCore service.
type DecisionCoreClient struct {
	cc grpc.ClientConnInterface
}

// NewDecisionCoreClient wraps an established connection.
func NewDecisionCoreClient(cc grpc.ClientConnInterface) *DecisionCoreClient {
	return &DecisionCoreClient{cc: cc}
}

// Call invokes method with a Struct request.
func (c *DecisionCoreClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate runs one cycle for target.
func (c *DecisionCoreClient) Evaluate(ctx context.Context, target string) (*structpb.Struct, error) {
	return c.Call(ctx, "Evaluate", targetRequest(target))
}

// BreakerStatus returns one breaker, or all breakers when target is empty.
func (c *DecisionCoreClient) BreakerStatus(ctx context.Context, target string) (*structpb.Struct, error) {
	return c.Call(ctx, "BreakerStatus", targetRequest(target))
}

func targetRequest(target string) *structpb.Struct {
	fields := map[string]*structpb.Value{}
	if target != "" {
		fields["target"] = structpb.NewStringValue(target)
	}
	return &structpb.Struct{Fields: fields}
}
