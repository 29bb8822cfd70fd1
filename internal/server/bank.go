package server

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/ingestion"
	"CustodyBank/internal/persistence"
	"CustodyBank/internal/query"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Snapshotter is implemented by *persistence.SnapshotManager.
type Snapshotter interface {
	Take(ctx context.Context, src persistence.SnapshotSource) (*persistence.SnapshotData, error)
}

// bankService implements BankServiceServer on top of the ingest and query
// services. The HTTP routes call the same methods.
type bankService struct {
	ingest    *ingestion.IngestService
	qs        *query.QueryService
	snapshots Snapshotter
	state     persistence.SnapshotSource
}

func (s *bankService) SubmitTransaction(ctx context.Context, req *SubmitTransactionRequest) (*SubmitTransactionResponse, error) {
	data, err := json.Marshal(&req.Transaction)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode transaction: %v", err)
	}
	return s.submit(ctx, data, "grpc")
}

// submit runs wire bytes through the same parser NATS uses.
func (s *bankService) submit(ctx context.Context, data []byte, source string) (*SubmitTransactionResponse, error) {
	r, err := s.ingest.Submit(ctx, data, source)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitTransactionResponse{Receipt: r}, nil
}

func (s *bankService) GetAccount(ctx context.Context, req *GetAccountRequest) (*query.AccountResponse, error) {
	key, err := parseAddress(req.Address)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetAccount(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *bankService) GetCustodyAuthority(ctx context.Context, req *GetCustodyAuthorityRequest) (*query.CustodyAuthorityResponse, error) {
	resp, err := s.qs.GetCustodyAuthority(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *bankService) GetInvocation(ctx context.Context, req *GetInvocationRequest) (*query.InvocationResponse, error) {
	if req.TxID == "" {
		return nil, status.Error(codes.InvalidArgument, "tx_id is required")
	}
	txID, err := uuid.Parse(req.TxID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid tx_id: %v", err)
	}
	resp, err := s.qs.GetInvocation(ctx, txID)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *bankService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	key, err := parseAddress(req.Address)
	if err != nil {
		return nil, err
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}

	entries, err := s.qs.GetJournalHistory(ctx, key, pageSize, before)
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

func (s *bankService) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *bankService) TakeSnapshot(ctx context.Context, req *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.snapshots == nil || s.state == nil {
		return nil, status.Error(codes.Unavailable, "snapshots require postgres")
	}
	snap, err := s.snapshots.Take(ctx, s.state)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &TakeSnapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: snap.StateHash.String(),
		Accounts:  len(snap.Accounts),
	}, nil
}

func parseAddress(s string) (address.Address, error) {
	if s == "" {
		return address.Address{}, status.Error(codes.InvalidArgument, "address is required")
	}
	key, err := address.Parse(s)
	if err != nil {
		return address.Address{}, status.Error(codes.InvalidArgument, fmt.Sprintf("invalid address %q", s))
	}
	return key, nil
}
