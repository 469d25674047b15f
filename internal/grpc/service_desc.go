package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminServiceName 管理服務的完整名稱
const AdminServiceName = "governance.v1.AdminService"

// 管理服務方法
const (
	MethodSetOverride          = "SetOverride"
	MethodRemoveOverride       = "RemoveOverride"
	MethodListCredentialStatus = "ListCredentialStatus"
	MethodExportUsage          = "ExportUsage"
	MethodSetRole              = "SetRole"
)

// FullMethod 方法的完整路徑，例如 /governance.v1.AdminService/SetRole
func FullMethod(method string) string {
	return "/" + AdminServiceName + "/" + method
}

// AdminServiceServer 管理服務；請求與回應皆為 google.protobuf.Struct
type AdminServiceServer interface {
	SetOverride(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveOverride(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCredentialStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportUsage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(AdminServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// methodHandler 解碼請求並經過攔截器呼叫實作
func methodHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// adminServiceDesc 手寫的服務描述，方法訊息皆為 Struct
var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSetOverride, Handler: methodHandler(MethodSetOverride, AdminServiceServer.SetOverride)},
		{MethodName: MethodRemoveOverride, Handler: methodHandler(MethodRemoveOverride, AdminServiceServer.RemoveOverride)},
		{MethodName: MethodListCredentialStatus, Handler: methodHandler(MethodListCredentialStatus, AdminServiceServer.ListCredentialStatus)},
		{MethodName: MethodExportUsage, Handler: methodHandler(MethodExportUsage, AdminServiceServer.ExportUsage)},
		{MethodName: MethodSetRole, Handler: methodHandler(MethodSetRole, AdminServiceServer.SetRole)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "governance/v1/admin.proto",
}

// RegisterAdminServiceServer 註冊管理服務
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&adminServiceDesc, srv)
}
