// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The test service is described at runtime:
//
//	package piezo.test;
//	message TimeRequest { string timezone = 1; }
//	message TimeResponse { int64 time = 1; }
//	service TimeService {
//	  rpc GetTime(TimeRequest) returns (TimeResponse);
//	  rpc Sleep(TimeRequest) returns (TimeResponse);
//	  rpc Fail(TimeRequest) returns (TimeResponse);
//	  rpc Panic(TimeRequest) returns (TimeResponse);
//	}
const timeServiceName = "piezo.test.TimeService"

var (
	timeRequestDesc  protoreflect.MessageDescriptor
	timeResponseDesc protoreflect.MessageDescriptor

	getTimeMethod ClientMethod
	sleepMethod   ClientMethod
	failMethod    ClientMethod
	panicMethod   ClientMethod
)

func init() {
	field := func(name string, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(name),
			Number:   proto.Int32(1),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     typ.Enum(),
		}
	}
	fd, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:    proto.String("piezo/test/time.proto"),
		Package: proto.String("piezo.test"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name:  proto.String("TimeRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{field("timezone", descriptorpb.FieldDescriptorProto_TYPE_STRING)},
			},
			{
				Name:  proto.String("TimeResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{field("time", descriptorpb.FieldDescriptorProto_TYPE_INT64)},
			},
		},
	}, new(protoregistry.Files))
	if err != nil {
		panic(err)
	}
	timeRequestDesc = fd.Messages().ByName("TimeRequest")
	timeResponseDesc = fd.Messages().ByName("TimeResponse")

	response := dynamicpb.NewMessage(timeResponseDesc)
	getTimeMethod = NewClientMethod(timeServiceName, "GetTime", response)
	sleepMethod = NewClientMethod(timeServiceName, "Sleep", response)
	failMethod = NewClientMethod(timeServiceName, "Fail", response)
	panicMethod = NewClientMethod(timeServiceName, "Panic", response)
}

func newTimeRequest(timezone string) *dynamicpb.Message {
	m := dynamicpb.NewMessage(timeRequestDesc)
	m.Set(timeRequestDesc.Fields().ByName("timezone"), protoreflect.ValueOfString(timezone))
	return m
}

func newTimeResponse(t int64) *dynamicpb.Message {
	m := dynamicpb.NewMessage(timeResponseDesc)
	m.Set(timeResponseDesc.Fields().ByName("time"), protoreflect.ValueOfInt64(t))
	return m
}

func timezoneOf(m proto.Message) string {
	return m.ProtoReflect().Get(timeRequestDesc.Fields().ByName("timezone")).String()
}

func timeOf(m proto.Message) int64 {
	return m.ProtoReflect().Get(timeResponseDesc.Fields().ByName("time")).Int()
}

var errTimeFailed = errors.New("time is an illusion")

// timeService records what its Sleep invocations observed.
type timeService struct {
	sleeping  chan struct{}
	cancelled chan struct{}
}

func newTimeService() *timeService {
	return &timeService{
		sleeping:  make(chan struct{}, 128),
		cancelled: make(chan struct{}, 128),
	}
}

func (ts *timeService) service() Service {
	prototype := dynamicpb.NewMessage(timeRequestDesc)
	return NewService(timeServiceName,
		NewServerMethod("GetTime", prototype,
			func(_ context.Context, req *dynamicpb.Message) (*dynamicpb.Message, error) {
				loc, err := time.LoadLocation(timezoneOf(req))
				if err != nil {
					return nil, err
				}
				return newTimeResponse(time.Now().In(loc).Unix()), nil
			}),
		NewServerMethod("Sleep", prototype,
			func(ctx context.Context, _ *dynamicpb.Message) (*dynamicpb.Message, error) {
				ts.sleeping <- struct{}{}
				<-ctx.Done()
				ts.cancelled <- struct{}{}
				return nil, ctx.Err()
			}),
		NewServerMethod("Fail", prototype,
			func(context.Context, *dynamicpb.Message) (*dynamicpb.Message, error) {
				return nil, errTimeFailed
			}),
		NewServerMethod("Panic", prototype,
			func(context.Context, *dynamicpb.Message) (*dynamicpb.Message, error) {
				panic("clock stopped")
			}),
	)
}

// trackingListener remembers accepted connections so tests can close them
// from the server side.
type trackingListener struct {
	net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func listenTracking(t testing.TB) *trackingListener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &trackingListener{Listener: ln}
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *trackingListener) accepted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// dropConnections closes every accepted connection, as a server going away
// would.
func (l *trackingListener) dropConnections() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

// serve runs s until the test ends.
func serve(t testing.TB, s Server) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitSignal(t testing.TB, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
