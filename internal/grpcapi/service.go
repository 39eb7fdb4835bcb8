// Package grpcapi exposes the audit ledger over gRPC.
//
// Requests and responses are google.protobuf.Struct values carrying the same
// JSON shapes as the HTTP API, so no generated stubs are needed. Numbers in a
// Struct are doubles; callers that need integers above 2^53 in entry data
// should use the HTTP API.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/govledger/internal/auditledger"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxVerifyRecords bounds a single Verify request.
const maxVerifyRecords = 100_000

// Service implements LedgerServer on top of an auditledger.Ledger.
type Service struct {
	ledger *auditledger.Ledger
	logger *zap.Logger
}

// New creates a Service.
func New(ledger *auditledger.Ledger, logger *zap.Logger) *Service {
	return &Service{ledger: ledger, logger: logger}
}

// Append implements LedgerServer.Append.
//
// Request: {scope, agentId, action, data}. Response: the stored entry.
func (s *Service) Append(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	scope := fields["scope"].GetStringValue()
	if scope == "" {
		return nil, status.Error(codes.InvalidArgument, "scope is required")
	}

	var data map[string]any
	if v, ok := fields["data"]; ok {
		switch v.GetKind().(type) {
		case *structpb.Value_StructValue:
			data = v.GetStructValue().AsMap()
		case *structpb.Value_NullValue:
		default:
			return nil, status.Error(codes.InvalidArgument, "data must be an object")
		}
	}

	entry, err := s.ledger.Append(ctx, scope,
		fields["agentId"].GetStringValue(),
		fields["action"].GetStringValue(),
		data,
	)
	if err != nil {
		if errors.Is(err, auditledger.ErrPersistence) {
			s.logger.Error("grpc append failed", zap.String("scope", scope), zap.Error(err))
		}
		return nil, toStatus(err)
	}

	out, err := toStruct(entry)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode entry: %v", err)
	}
	return out, nil
}

// Verify implements LedgerServer.Verify.
//
// Request: {records: [...], digest?}. Response: {valid, errors, length}.
// An empty or missing records list yields an invalid result, not an error.
func (s *Service) Verify(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	d := s.ledger.Digest()
	if name := fields["digest"].GetStringValue(); name != "" {
		var err error
		if d, err = auditledger.DigestByName(name); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	list := fields["records"].GetListValue().GetValues()
	if len(list) > maxVerifyRecords {
		return nil, status.Errorf(codes.InvalidArgument, "at most %d records per request", maxVerifyRecords)
	}

	records := make([]json.RawMessage, len(list))
	for i, v := range list {
		b, err := protojson.Marshal(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "record %d: %v", i, err)
		}
		records[i] = b
	}

	res := auditledger.VerifyRecords(records, d)
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// toStatus maps ledger errors onto gRPC status codes.
func toStatus(err error) error {
	var verr *auditledger.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, auditledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, auditledger.ErrPersistence):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("ledger: %v", err))
	}
}
