// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package piezo provides protocol-agnostic RPC over protobuf messages.
//
// Every call travels as an Envelope carrying a request id, the target
// service and method, an encoded payload and an optional control block for
// cancellation and errors. Clients correlate responses to calls by request
// id, so any number of calls may be in flight on one connection and
// responses may arrive in any order.
//
// # Transport Selection
//
// The socket transport is the default. Others are selected per client and
// per server:
//
//	socket   4-byte length prefix + Envelope over TCP (default)
//	quartz   Envelope as the body of HTTP/1.1 POSTs to <path><service>/<method>
//	json     JSON-RPC over HTTP, protojson payloads
//	grpc     unary gRPC calls, requires -tags grpc
//
// # Usage
//
// Server usage:
//
//	timeService := piezo.NewService("piezo.test.TimeService",
//	    piezo.NewServerMethod("GetTime", &pb.TimeRequest{},
//	        func(ctx context.Context, req *pb.TimeRequest) (*pb.TimeResponse, error) {
//	            return &pb.TimeResponse{Time: time.Now().Unix()}, nil
//	        }),
//	)
//
//	server, err := piezo.Listen(":9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Register(timeService)
//	go server.Serve(ctx)
//
// Client usage:
//
//	client, err := piezo.Dial(ctx, "localhost:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	getTime := piezo.NewClientMethod("piezo.test.TimeService", "GetTime", &pb.TimeResponse{})
//	resp, err := piezo.Invoke[*pb.TimeResponse](ctx, client, getTime, &pb.TimeRequest{Timezone: "UTC"})
//
// A call can also be driven by hand. Cancel releases it and asks the server
// to abandon the invocation:
//
//	call := client.EncodeMethodCall(ctx, getTime, req)
//	select {
//	case <-call.Done():
//	    resp, err := call.Result()
//	case <-time.After(time.Second):
//	    call.Cancel()
//	}
//
// # Reconnection
//
// Socket and Quartz clients hold one connection. When the server closes it,
// calls in flight fail with ErrClosedByRemote and the next call opens a new
// connection. Close is final: later calls fail with ErrClientClosed.
//
// # Pools
//
// ClientPool presents several clients as one, choosing per call with a
// SelectionPolicy (RoundRobin or Random). The discovery subpackage keeps a
// pool in sync with the instances registered in etcd.
//
// # Architecture
//
// The package separates concerns:
//
//   - envelope.go: Envelope model and its protobuf wire encoding
//   - correlator.go: client-side table of calls in flight
//   - dispatcher.go: server-side resolution and execution of requests
//   - service.go, method.go: method tables and the service registry
//   - lifecycle.go: reconnection of connection oriented clients
//   - socket.go, quartz.go, quartz_client.go, jsonrpc*.go: transports
//   - dial_grpc.go: gRPC transport (requires -tags grpc)
//   - transport.go, dial.go: transport registry and Dial and Listen
//
// Application code should only depend on the Client/Server interfaces,
// making transport selection a deployment decision rather than a code change.
package piezo
