// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

// ClientMonitor observes client activity.
type ClientMonitor interface {
	// MethodCall is reported for every call handed to a transport.
	MethodCall(method ClientMethod)
	// ClientError reports a call that failed before reaching the server.
	ClientError(method ClientMethod, err error)
	// ServerError reports an error Envelope received for method.
	ServerError(method ClientMethod, err error)
	// LinkError reports a connection level failure.
	LinkError(err error)
}

// ServerMonitor observes server activity.
type ServerMonitor interface {
	ServerSuccess(service, method string)
	ServerError(service, method string, err error)
	UnknownService(service string)
	UnknownMethod(service, method string)
	LinkError(err error)
}

type nopClientMonitor struct{}

func (nopClientMonitor) MethodCall(ClientMethod)         {}
func (nopClientMonitor) ClientError(ClientMethod, error) {}
func (nopClientMonitor) ServerError(ClientMethod, error) {}
func (nopClientMonitor) LinkError(error)                 {}

type nopServerMonitor struct{}

func (nopServerMonitor) ServerSuccess(string, string)      {}
func (nopServerMonitor) ServerError(string, string, error) {}
func (nopServerMonitor) UnknownService(string)             {}
func (nopServerMonitor) UnknownMethod(string, string)      {}
func (nopServerMonitor) LinkError(error)                   {}

var (
	// NopClientMonitor discards everything.
	NopClientMonitor ClientMonitor = nopClientMonitor{}
	// NopServerMonitor discards everything.
	NopServerMonitor ServerMonitor = nopServerMonitor{}
)
