package server

import (
	"CustodyBank/internal/core"
	"CustodyBank/internal/ingestion"
	"CustodyBank/internal/query"
	"context"

	"google.golang.org/grpc"
)

const (
	BankService_SubmitTransaction_FullMethodName   = "/custodybank.v1.BankService/SubmitTransaction"
	BankService_GetAccount_FullMethodName          = "/custodybank.v1.BankService/GetAccount"
	BankService_GetCustodyAuthority_FullMethodName = "/custodybank.v1.BankService/GetCustodyAuthority"
	BankService_GetInvocation_FullMethodName       = "/custodybank.v1.BankService/GetInvocation"
	BankService_ListJournals_FullMethodName        = "/custodybank.v1.BankService/ListJournals"
	BankService_VerifyIntegrity_FullMethodName     = "/custodybank.v1.BankService/VerifyIntegrity"
	BankService_TakeSnapshot_FullMethodName        = "/custodybank.v1.BankService/TakeSnapshot"
)

type SubmitTransactionRequest struct {
	Transaction ingestion.TransactionMessage `json:"transaction"`
}

type SubmitTransactionResponse struct {
	Receipt *core.Receipt `json:"receipt"`
}

type GetAccountRequest struct {
	Address string `json:"address"`
}

type GetCustodyAuthorityRequest struct{}

type GetInvocationRequest struct {
	TxID string `json:"tx_id"`
}

type ListJournalsRequest struct {
	Address        string `json:"address"`
	PageSize       int32  `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Accounts  int    `json:"accounts"`
}

// BankServiceServer is the server API for custodybank.v1.BankService.
type BankServiceServer interface {
	SubmitTransaction(context.Context, *SubmitTransactionRequest) (*SubmitTransactionResponse, error)
	GetAccount(context.Context, *GetAccountRequest) (*query.AccountResponse, error)
	GetCustodyAuthority(context.Context, *GetCustodyAuthorityRequest) (*query.CustodyAuthorityResponse, error)
	GetInvocation(context.Context, *GetInvocationRequest) (*query.InvocationResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
}

func RegisterBankServiceServer(s grpc.ServiceRegistrar, srv BankServiceServer) {
	s.RegisterService(&BankService_ServiceDesc, srv)
}

func _BankService_SubmitTransaction_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitTransactionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).SubmitTransaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_SubmitTransaction_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).SubmitTransaction(ctx, req.(*SubmitTransactionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BankService_GetAccount_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetAccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).GetAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_GetAccount_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).GetAccount(ctx, req.(*GetAccountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BankService_GetCustodyAuthority_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetCustodyAuthorityRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).GetCustodyAuthority(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_GetCustodyAuthority_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).GetCustodyAuthority(ctx, req.(*GetCustodyAuthorityRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BankService_GetInvocation_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetInvocationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).GetInvocation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_GetInvocation_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).GetInvocation(ctx, req.(*GetInvocationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BankService_ListJournals_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListJournalsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).ListJournals(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_ListJournals_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).ListJournals(ctx, req.(*ListJournalsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BankService_VerifyIntegrity_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(VerifyIntegrityRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).VerifyIntegrity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_VerifyIntegrity_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).VerifyIntegrity(ctx, req.(*VerifyIntegrityRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BankService_TakeSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TakeSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BankServiceServer).TakeSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BankService_TakeSnapshot_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BankServiceServer).TakeSnapshot(ctx, req.(*TakeSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// BankService_ServiceDesc is the grpc.ServiceDesc for BankService.
var BankService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "custodybank.v1.BankService",
	HandlerType: (*BankServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTransaction", Handler: _BankService_SubmitTransaction_Handler},
		{MethodName: "GetAccount", Handler: _BankService_GetAccount_Handler},
		{MethodName: "GetCustodyAuthority", Handler: _BankService_GetCustodyAuthority_Handler},
		{MethodName: "GetInvocation", Handler: _BankService_GetInvocation_Handler},
		{MethodName: "ListJournals", Handler: _BankService_ListJournals_Handler},
		{MethodName: "VerifyIntegrity", Handler: _BankService_VerifyIntegrity_Handler},
		{MethodName: "TakeSnapshot", Handler: _BankService_TakeSnapshot_Handler},
	},
	Streams: []grpc.StreamDesc{},
}

// BankServiceClient is the client API for custodybank.v1.BankService.
// Every call uses the JSON codec.
type BankServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBankServiceClient(cc grpc.ClientConnInterface) *BankServiceClient {
	return &BankServiceClient{cc: cc}
}

func (c *BankServiceClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *BankServiceClient) SubmitTransaction(ctx context.Context, in *SubmitTransactionRequest, opts ...grpc.CallOption) (*SubmitTransactionResponse, error) {
	out := new(SubmitTransactionResponse)
	if err := c.invoke(ctx, BankService_SubmitTransaction_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankServiceClient) GetAccount(ctx context.Context, in *GetAccountRequest, opts ...grpc.CallOption) (*query.AccountResponse, error) {
	out := new(query.AccountResponse)
	if err := c.invoke(ctx, BankService_GetAccount_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankServiceClient) GetCustodyAuthority(ctx context.Context, in *GetCustodyAuthorityRequest, opts ...grpc.CallOption) (*query.CustodyAuthorityResponse, error) {
	out := new(query.CustodyAuthorityResponse)
	if err := c.invoke(ctx, BankService_GetCustodyAuthority_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankServiceClient) GetInvocation(ctx context.Context, in *GetInvocationRequest, opts ...grpc.CallOption) (*query.InvocationResponse, error) {
	out := new(query.InvocationResponse)
	if err := c.invoke(ctx, BankService_GetInvocation_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankServiceClient) ListJournals(ctx context.Context, in *ListJournalsRequest, opts ...grpc.CallOption) (*ListJournalsResponse, error) {
	out := new(ListJournalsResponse)
	if err := c.invoke(ctx, BankService_ListJournals_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankServiceClient) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	out := new(query.IntegrityReport)
	if err := c.invoke(ctx, BankService_VerifyIntegrity_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BankServiceClient) TakeSnapshot(ctx context.Context, in *TakeSnapshotRequest, opts ...grpc.CallOption) (*TakeSnapshotResponse, error) {
	out := new(TakeSnapshotResponse)
	if err := c.invoke(ctx, BankService_TakeSnapshot_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
