// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the JSON-RPC 2.0 dispatcher behind the cloud
// control channel. Handlers are plain Go functions registered by
// name; the engine parses raw request bytes (single or batch), maps
// params onto the handler's parameter types by reflection, and
// renders response bytes. It is not a general RPC framework: it
// supports exactly the request, response, and notification shapes the
// control channel uses.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
)

// MethodPrefix is accepted and stripped during method resolution: a
// handler registered as "echo" serves both "echo" and "rpc_echo".
const MethodPrefix = "rpc_"

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Engine dispatches JSON-RPC requests to registered handlers.
// Register all handlers before the first Invoke; the method table is
// not synchronized.
type Engine struct {
	logger  *slog.Logger
	methods map[string]*method
}

type method struct {
	name       string
	fn         reflect.Value
	paramTypes []reflect.Type
	hasResult  bool
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:  logger,
		methods: make(map[string]*method),
	}
}

// Register adds a handler under name. The handler must be a function
// of the form
//
//	func(ctx context.Context, params...) error
//	func(ctx context.Context, params...) (T, error)
//
// where each param is any JSON-decodable type. Register panics on a
// malformed handler; registration happens at startup and a bad shape
// is a programming error.
func (e *Engine) Register(name string, handler any) {
	fn := reflect.ValueOf(handler)
	fnType := fn.Type()
	if fnType.Kind() != reflect.Func {
		panic("rpc: handler for " + name + " is not a function")
	}
	if fnType.NumIn() < 1 || fnType.In(0) != contextType {
		panic("rpc: handler for " + name + " must take context.Context first")
	}
	if fnType.IsVariadic() {
		panic("rpc: handler for " + name + " must not be variadic")
	}
	switch fnType.NumOut() {
	case 1:
		if fnType.Out(0) != errorType {
			panic("rpc: handler for " + name + " must return error last")
		}
	case 2:
		if fnType.Out(1) != errorType {
			panic("rpc: handler for " + name + " must return error last")
		}
	default:
		panic("rpc: handler for " + name + " must return error or (T, error)")
	}

	paramTypes := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		paramTypes = append(paramTypes, fnType.In(i))
	}
	e.methods[name] = &method{
		name:       name,
		fn:         fn,
		paramTypes: paramTypes,
		hasResult:  fnType.NumOut() == 2,
	}
}

// request is the wire shape of one JSON-RPC request. The ID pointer
// distinguishes an absent id (notification) from an explicit null.
type request struct {
	Jsonrpc string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params"`
	ID      *json.RawMessage `json:"id"`
}

// response marshals to exactly one of the success and error shapes:
// Result is a pointer so a handler's nil result still renders as
// "result": null instead of disappearing.
type response struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  *any            `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Invoke parses raw as one request or a batch, dispatches, and
// returns the serialized response bytes. It returns nil when nothing
// is owed to the caller: a notification, or a batch consisting
// entirely of notifications. Batch elements run in order and their
// responses keep that order.
func (e *Engine) Invoke(ctx context.Context, raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return e.invokeBatch(ctx, trimmed)
	}

	var parsed json.RawMessage
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return marshalResponse(errorResponse(nil, errorWithCode(CodeParseError, "parse error: %v", err)))
	}
	if resp := e.invokeSingle(ctx, parsed); resp != nil {
		return marshalResponse(*resp)
	}
	return nil
}

func (e *Engine) invokeBatch(ctx context.Context, raw []byte) []byte {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return marshalResponse(errorResponse(nil, errorWithCode(CodeParseError, "parse error: %v", err)))
	}
	if len(elements) == 0 {
		return marshalResponse(errorResponse(nil, errorWithCode(CodeInvalidRequest, "empty batch")))
	}

	responses := make([]response, 0, len(elements))
	for _, element := range elements {
		if resp := e.invokeSingle(ctx, element); resp != nil {
			responses = append(responses, *resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	data, err := json.Marshal(responses)
	if err != nil {
		e.logger.Error("marshaling batch response", "error", err)
		return marshalResponse(errorResponse(nil, errorWithCode(CodeInternalError, "internal error")))
	}
	return data
}

// invokeSingle dispatches one parsed request. A nil return means the
// request was a notification and produced no response.
func (e *Engine) invokeSingle(ctx context.Context, raw json.RawMessage) *response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp := errorResponse(nil, errorWithCode(CodeInvalidRequest, "invalid request: %v", err))
		return &resp
	}
	if req.Jsonrpc != "2.0" || req.Method == "" {
		resp := errorResponse(req.ID, errorWithCode(CodeInvalidRequest, "invalid request"))
		return &resp
	}

	m := e.resolve(req.Method)
	if m == nil {
		e.logger.Debug("method not found", "method", req.Method)
		if req.ID == nil {
			return nil
		}
		resp := errorResponse(req.ID, errorWithCode(CodeMethodNotFound, "method not found: %s", req.Method))
		return &resp
	}

	result, callErr := e.call(ctx, m, req.Params)
	if req.ID == nil {
		if callErr != nil {
			e.logger.Warn("notification handler failed", "method", req.Method, "error", callErr)
		}
		return nil
	}
	if callErr != nil {
		resp := errorResponse(req.ID, callErr)
		return &resp
	}
	resp := response{Jsonrpc: "2.0", Result: &result, ID: idBytes(req.ID)}
	return &resp
}

func (e *Engine) resolve(name string) *method {
	if m, ok := e.methods[name]; ok {
		return m
	}
	if stripped, ok := strings.CutPrefix(name, MethodPrefix); ok {
		if m, ok := e.methods[stripped]; ok {
			return m
		}
	}
	if m, ok := e.methods[MethodPrefix+name]; ok {
		return m
	}
	return nil
}

// call maps params onto m's parameter types and invokes it. The
// returned *Error is CodeInvalidParams for mapping failures,
// CodeInternalError for panics, the handler's own *Error when it
// returned one, and CodeRuntimeError for any other handler error.
func (e *Engine) call(ctx context.Context, m *method, params json.RawMessage) (result any, callErr *Error) {
	args, argErr := buildArgs(m, params)
	if argErr != nil {
		return nil, argErr
	}
	callArgs := append([]reflect.Value{reflect.ValueOf(ctx)}, args...)

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("handler panicked",
				"method", m.name,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			result = nil
			callErr = errorWithCode(CodeInternalError, "internal error")
		}
	}()
	returned := m.fn.Call(callArgs)

	errValue := returned[len(returned)-1]
	if !errValue.IsNil() {
		err := errValue.Interface().(error)
		if rpcErr, ok := err.(*Error); ok {
			return nil, rpcErr
		}
		return nil, Errorf("%s", err.Error())
	}
	if m.hasResult {
		return returned[0].Interface(), nil
	}
	return nil, nil
}

// buildArgs decodes params into one reflect.Value per declared
// parameter. An object maps onto a single record parameter; an array
// maps positionally; a bare scalar is accepted for a single
// parameter.
func buildArgs(m *method, params json.RawMessage) ([]reflect.Value, *Error) {
	trimmed := bytes.TrimSpace(params)
	noParams := len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))

	if len(m.paramTypes) == 0 {
		if !noParams && !emptyCollection(trimmed) {
			return nil, errorWithCode(CodeInvalidParams, "%s takes no params", m.name)
		}
		return nil, nil
	}
	if noParams {
		return nil, errorWithCode(CodeInvalidParams, "%s requires params", m.name)
	}

	var elements []json.RawMessage
	switch trimmed[0] {
	case '{':
		// A whole object binds to a single record parameter.
		if len(m.paramTypes) != 1 || !recordType(m.paramTypes[0]) {
			return nil, errorWithCode(CodeInvalidParams, "%s does not take an object param", m.name)
		}
		elements = []json.RawMessage{trimmed}
	case '[':
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, errorWithCode(CodeInvalidParams, "invalid params: %v", err)
		}
		if len(elements) != len(m.paramTypes) {
			return nil, errorWithCode(CodeInvalidParams, "%s takes %d params, got %d", m.name, len(m.paramTypes), len(elements))
		}
	default:
		if len(m.paramTypes) != 1 {
			return nil, errorWithCode(CodeInvalidParams, "%s takes %d params, got 1", m.name, len(m.paramTypes))
		}
		elements = []json.RawMessage{trimmed}
	}

	args := make([]reflect.Value, len(elements))
	for i, element := range elements {
		target := reflect.New(m.paramTypes[i])
		if err := json.Unmarshal(element, target.Interface()); err != nil {
			return nil, errorWithCode(CodeInvalidParams, "param %d: %v", i, err)
		}
		args[i] = target.Elem()
	}
	return args, nil
}

// recordType reports whether t can absorb a whole JSON object.
func recordType(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct || t.Kind() == reflect.Map
}

func emptyCollection(trimmed []byte) bool {
	compact := string(bytes.Join(bytes.Fields(trimmed), nil))
	return compact == "[]" || compact == "{}"
}

func errorResponse(id *json.RawMessage, rpcErr *Error) response {
	return response{Jsonrpc: "2.0", Error: rpcErr, ID: idBytes(id)}
}

// idBytes echoes the request id, rendering a missing one as null.
func idBytes(id *json.RawMessage) json.RawMessage {
	if id == nil || len(*id) == 0 {
		return json.RawMessage("null")
	}
	return *id
}

func marshalResponse(resp response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// Result values the handlers return are all JSON-marshalable;
		// reaching this means a handler returned something exotic.
		fallback := response{Jsonrpc: "2.0", Error: errorWithCode(CodeInternalError, "internal error"), ID: resp.ID}
		data, _ = json.Marshal(fallback)
	}
	return data
}
