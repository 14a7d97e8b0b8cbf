package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/offline"
	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/sync"
)

// Controller is the part of the offline manager the service drives.
type Controller interface {
	Dispatch(ctx context.Context, method, path string, body any, query map[string]string) (*remote.Result, error)
	Flush(ctx context.Context) (outbox.Stats, error)
	Sync(ctx context.Context) (sync.Stats, error)
	Status(ctx context.Context) (offline.Status, error)
	SetOnline(online bool)
}

var _ Controller = (*offline.Manager)(nil)

// ControlService implements ControlServer on top of a Controller.
type ControlService struct {
	ctl         Controller
	bus         *bus.Bus
	sessionName string
	logger      *zap.Logger
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates a new control service.
func NewControlService(ctl Controller, b *bus.Bus, sessionName string, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		ctl:         ctl,
		bus:         b,
		sessionName: sessionName,
		logger:      logger,
	}
}

func (s *ControlService) Dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	method := strings.ToUpper(gjson.GetBytes(raw, "method").String())
	path := gjson.GetBytes(raw, "path").String()
	if method == "" || path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "method and path are required")
	}

	var body any
	if b := gjson.GetBytes(raw, "body"); b.Exists() {
		body = json.RawMessage(b.Raw)
	}
	var query map[string]string
	if q := gjson.GetBytes(raw, "query"); q.IsObject() {
		query = make(map[string]string)
		q.ForEach(func(k, v gjson.Result) bool {
			query[k.String()] = v.String()
			return true
		})
	}

	res, err := s.ctl.Dispatch(ctx, method, path, body, query)
	if errors.Is(err, outbox.ErrInvalidBody) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "dispatch: %v", err)
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "dispatch: %v", err)
	}
	return toStruct(res)
}

func (s *ControlService) Flush(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.ctl.Flush(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "flush: %v", err)
	}
	return toStruct(stats)
}

func (s *ControlService) Sync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.ctl.Sync(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sync: %v", err)
	}
	return toStruct(stats)
}

func (s *ControlService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.ctl.Status(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "status: %v", err)
	}
	out, err := toStruct(st)
	if err != nil {
		return nil, err
	}
	out.Fields["session"] = structpb.NewStringValue(s.sessionName)
	return out, nil
}

func (s *ControlService) SetOnline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["online"]
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "online is required")
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return nil, grpcstatus.Error(codes.InvalidArgument, "online must be a bool")
	}
	s.ctl.SetOnline(v.GetBoolValue())
	return s.Status(ctx, nil)
}

// WatchEvents streams every bus notification under the requested namespace
// until the client goes away.
func (s *ControlService) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	namespace := req.GetFields()["namespace"].GetStringValue()
	ch, unsub := s.bus.Subscribe(namespace, 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *ControlService) envelope(evt bus.Event) (*structpb.Struct, error) {
	payload := structpb.NewNullValue()
	if evt.Payload != nil {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		payload = new(structpb.Value)
		if err := protojson.Unmarshal(data, payload); err != nil {
			return nil, err
		}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"eventId":          structpb.NewStringValue(uuid.New().String()),
		"session":          structpb.NewStringValue(s.sessionName),
		"kind":             structpb.NewStringValue(evt.Kind),
		"occurredAtUnixMs": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
		"payload":          payload,
	}}, nil
}

// toStruct converts a JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	if out.Fields == nil {
		out.Fields = make(map[string]*structpb.Value)
	}
	return out, nil
}

// FromStruct returns the JSON form of a response, for printing.
func FromStruct(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return data, nil
}
