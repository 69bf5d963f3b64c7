package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name of the admin service.
const ServiceName = "rulestream.admin.v1.RuleAdmin"

// AdminServer is the server side of the admin service.
type AdminServer interface {
	ProposeRuleSet(context.Context, *ProposeRuleSetRequest) (*ProposeRuleSetResponse, error)
	ReactivateRuleSet(context.Context, *ReactivateRuleSetRequest) (*ProposeRuleSetResponse, error)
	GetActiveRuleSet(context.Context, *GetActiveRuleSetRequest) (*GetActiveRuleSetResponse, error)
	ListRuleSetVersions(context.Context, *ListRuleSetVersionsRequest) (*ListRuleSetVersionsResponse, error)
	GetQuarantineStats(context.Context, *GetQuarantineStatsRequest) (*GetQuarantineStatsResponse, error)
}

// AdminServiceDesc describes the admin service for grpc.Server.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ProposeRuleSet", AdminServer.ProposeRuleSet),
		unary("ReactivateRuleSet", AdminServer.ReactivateRuleSet),
		unary("GetActiveRuleSet", AdminServer.GetActiveRuleSet),
		unary("ListRuleSetVersions", AdminServer.ListRuleSetVersions),
		unary("GetQuarantineStats", AdminServer.GetQuarantineStats),
	},
	Metadata: "rulestream/admin/v1/admin.json",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
