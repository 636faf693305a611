package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pq "github.com/xela07ax/sitepolicy-gateway/pkg/api/processquery/v1"
)

// Ключи gRPC метаданных
const (
	MetadataSiteURL    = "x-site-url"
	MetadataRetryAfter = "retry-after" // Трейлер ответа с ResourceExhausted, time.Duration строкой
)

type GRPCAdapter struct {
	client  pq.ProcessQueryServiceClient
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(client pq.ProcessQueryServiceClient, timeout time.Duration) *GRPCAdapter {
	return &GRPCAdapter{
		client:  client,
		timeout: timeout,
	}
}

// Call реализует интерфейс ExecutionProvider
func (a *GRPCAdapter) Call(ctx context.Context, siteURL string, payload []byte) ([]byte, error) {
	// 1. Конвертируем JSON-байты в Protobuf Struct
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	protoStruct, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, MetadataSiteURL, siteURL)

	// 3. Выполняем gRPC вызов
	var trailer metadata.MD
	resp, err := a.client.ProcessQuery(ctx, protoStruct, grpc.Trailer(&trailer))
	if err != nil {
		return nil, classifyStatus(err, trailer)
	}

	// 4. Маршалим результат обратно в JSON для ClientContext
	resultBytes, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return resultBytes, nil
}

// classifyStatus переводит gRPC коды в те же ошибки, что отдает RESTAdapter,
// чтобы ReliabilityWrapper одинаково решал, повторять ли вызов.
func classifyStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("process query call failed: %w", err)
	}

	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: trailerRetryAfter(trailer), Cause: err}
	case codes.InvalidArgument, codes.FailedPrecondition:
		return &StatusError{StatusCode: http.StatusBadRequest, Body: st.Message()}
	case codes.Unauthenticated:
		return &StatusError{StatusCode: http.StatusUnauthorized, Body: st.Message()}
	case codes.PermissionDenied:
		return &StatusError{StatusCode: http.StatusForbidden, Body: st.Message()}
	case codes.NotFound:
		return &StatusError{StatusCode: http.StatusNotFound, Body: st.Message()}
	default:
		return fmt.Errorf("process query call failed: %w", err)
	}
}

func trailerRetryAfter(md metadata.MD) time.Duration {
	v := md.Get(MetadataRetryAfter)
	if len(v) == 0 {
		return defaultRetryAfter
	}
	if d, err := time.ParseDuration(v[0]); err == nil && d >= 0 {
		return d
	}
	// Как в HTTP: целые секунды
	return parseRetryAfter(v[0], time.Now())
}

// GRPCServer публикует любой Provider как сервис ProcessQueryService.
type GRPCServer struct {
	next   Provider
	logger *zap.Logger
}

func NewGRPCServer(next Provider, logger *zap.Logger) *GRPCServer {
	return &GRPCServer{next: next, logger: logger.Named("processquery-grpc")}
}

func (s *GRPCServer) ProcessQuery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct обратно в JSON байты для Provider
	payload, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid batch: %v", err)
	}

	// 2. URL сайта: из самой пачки, иначе из метаданных
	siteURL := in.GetFields()["site"].GetStringValue()
	if siteURL == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(MetadataSiteURL); len(v) > 0 {
				siteURL = v[0]
			}
		}
	}

	respBytes, err := s.next.Call(ctx, siteURL, payload)
	if err != nil {
		s.logger.Error("process query failed", zap.String("site", siteURL), zap.Error(err))
		var tErr *ThrottleError
		if errors.As(err, &tErr) {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(MetadataRetryAfter, tErr.RetryAfter.String()))
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	// 3. Собираем ответ обратно в Protobuf
	var resultMap map[string]interface{}
	if err := json.Unmarshal(respBytes, &resultMap); err != nil {
		return nil, status.Errorf(codes.Internal, "invalid provider response: %v", err)
	}
	out, err := structpb.NewStruct(resultMap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to build response: %v", err)
	}
	return out, nil
}
