// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/rpc/v2/json2"
)

const (
	// DefaultJSONRPCPath is the URL path JSON-RPC servers answer on.
	DefaultJSONRPCPath = "/rpc"
	// JSONContentType is the media type of JSON-RPC bodies.
	JSONContentType = "application/json"
)

// JSON-RPC error codes. They mirror the HTTP statuses of the same failures.
const (
	CodeBadRequest       json2.ErrorCode = 400
	CodeNotFound         json2.ErrorCode = 404
	CodeMethodNotAllowed json2.ErrorCode = 405
	CodeUnsupportedMedia json2.ErrorCode = 415
	CodeInternal         json2.ErrorCode = 500
)

type jsonRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method *string           `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type jsonResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonErrorBody  `json:"error,omitempty"`
}

// jsonErrorBody is the wire form of a json2.Error, which always encodes
// its data member.
type jsonErrorBody struct {
	Code    json2.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

func errorBody(err *json2.Error) *jsonErrorBody {
	return &jsonErrorBody{Code: err.Code, Message: err.Message}
}

// jsonCall is a decoded JSON-RPC request. ID is the request id exactly as
// the requester sent it.
type jsonCall struct {
	ID       json.RawMessage
	Envelope Envelope
}

var jsonNull = json.RawMessage("null")

// JoinMethodName builds the JSON-RPC method name of service/method.
func JoinMethodName(service, method string) string {
	return service + "." + method
}

// SplitMethodName splits a JSON-RPC method name on its last dot. Service
// names may contain dots, method names may not.
func SplitMethodName(name string) (service, method string, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

func jsonError(code json2.ErrorCode, format string, args ...any) *json2.Error {
	return &json2.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// encodeJSONRequest maps a request Envelope to a JSON-RPC request body. The
// payload must already be JSON.
func encodeJSONRequest(env Envelope) []byte {
	var b bytes.Buffer
	b.WriteString(`{"id":`)
	b.WriteString(strconv.FormatInt(env.RequestID, 10))
	b.WriteString(`,"method":`)
	name, _ := json.Marshal(JoinMethodName(env.Service, env.Method))
	b.Write(name)
	b.WriteString(`,"params":[`)
	if err := json.Compact(&b, env.Payload); err != nil {
		b.Write(env.Payload)
	}
	b.WriteString(`]}`)
	return b.Bytes()
}

// decodeJSONRequest maps a JSON-RPC request body to an Envelope. Failures
// are *ConversionError wrapping the *json2.Error to answer with.
func decodeJSONRequest(body []byte) (jsonCall, error) {
	var req jsonRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return jsonCall{}, convertJSON(body, nil, jsonError(CodeBadRequest, "Malformed request: %v", err))
	}

	if !isJSONScalar(req.ID) {
		return jsonCall{}, convertJSON(body, nil, jsonError(CodeBadRequest, "Malformed request, missing 'id'"))
	}
	if req.Method == nil {
		return jsonCall{}, convertJSON(body, req.ID, jsonError(CodeBadRequest, "Malformed request, missing 'method'"))
	}
	if req.Params == nil {
		return jsonCall{}, convertJSON(body, req.ID, jsonError(CodeBadRequest, "Malformed request, missing 'params'"))
	}
	if len(req.Params) != 1 {
		return jsonCall{}, convertJSON(body, req.ID,
			jsonError(CodeBadRequest, "'params' must be an array of exactly one element, got %d", len(req.Params)))
	}
	param := bytes.TrimSpace(req.Params[0])
	if len(param) == 0 || param[0] != '{' {
		return jsonCall{}, convertJSON(body, req.ID, jsonError(CodeBadRequest, "Request parameter must be a JSON object"))
	}
	service, method, ok := SplitMethodName(*req.Method)
	if !ok {
		return jsonCall{}, convertJSON(body, req.ID,
			jsonError(CodeBadRequest, "Malformed method name: %q", *req.Method))
	}

	id, _ := strconv.ParseInt(string(req.ID), 10, 64)
	return jsonCall{
		ID:       req.ID,
		Envelope: NewRequest(id, service, method, []byte(param)),
	}, nil
}

func convertJSON(body []byte, id json.RawMessage, err *json2.Error) error {
	if id == nil {
		id = jsonNull
	}
	return &ConversionError{Message: jsonCall{ID: id, Envelope: Envelope{Payload: body}}, Err: err}
}

func isJSONScalar(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '{', '[', 'n':
		return false
	}
	return true
}

// encodeJSONResponse maps a response Envelope to a JSON-RPC response body.
func encodeJSONResponse(id json.RawMessage, env Envelope, pretty bool) []byte {
	resp := jsonResponse{ID: id}
	switch env.ResponseKind() {
	case KindSuccess:
		resp.Result = env.Payload
		if len(resp.Result) == 0 {
			resp.Result = json.RawMessage("{}")
		}
	case KindError:
		resp.Error = errorBody(jsonError(CodeInternal, "%s", env.Control.Error))
	default:
		resp.Error = errorBody(jsonError(CodeInternal, "unexpected %s response", env.ResponseKind()))
	}
	return marshalJSONResponse(resp, pretty)
}

// encodeJSONError builds the body answering a request that failed before
// dispatch.
func encodeJSONError(id json.RawMessage, err *json2.Error, pretty bool) []byte {
	if id == nil {
		id = jsonNull
	}
	return marshalJSONResponse(jsonResponse{ID: id, Error: errorBody(err)}, pretty)
}

func marshalJSONResponse(resp jsonResponse, pretty bool) []byte {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(resp); err != nil {
		b.Reset()
		resp.Result = nil
		resp.Error = errorBody(jsonError(CodeInternal, "could not encode response: %v", err))
		_ = enc.Encode(resp)
	}
	return b.Bytes()
}

// prettyPrint reads the pp and prettyPrint query parameters, in that order.
// Output is pretty unless asked otherwise.
func prettyPrint(query url.Values) bool {
	for _, key := range []string{"pp", "prettyPrint"} {
		if values, ok := query[key]; ok && len(values) > 0 {
			return values[0] == "1" || strings.EqualFold(values[0], "true")
		}
	}
	return true
}
