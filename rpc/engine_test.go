// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type wireResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func decodeOne(t *testing.T, data []byte) wireResponse {
	t.Helper()
	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decoding response %s: %v", data, err)
	}
	if resp.Jsonrpc != "2.0" {
		t.Fatalf("jsonrpc = %q, want 2.0", resp.Jsonrpc)
	}
	return resp
}

func newTestEngine() *Engine {
	engine := NewEngine(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	engine.Register("echo", func(ctx context.Context, v any) (any, error) {
		return v, nil
	})
	return engine
}

func TestInvokeSingleRequest(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","params":["hello"],"id":7}`))
	resp := decodeOne(t, out)
	if resp.Error != nil {
		t.Fatalf("error = %v", resp.Error)
	}
	if string(resp.Result) != `"hello"` {
		t.Errorf("result = %s, want \"hello\"", resp.Result)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
}

func TestInvokeResolvesPrefixedMethod(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"rpc_echo","params":[42],"id":1}`))
	resp := decodeOne(t, out)
	if resp.Error != nil {
		t.Fatalf("error = %v", resp.Error)
	}
	if string(resp.Result) != "42" {
		t.Errorf("result = %s, want 42", resp.Result)
	}
}

func TestInvokeRegisteredWithPrefix(t *testing.T) {
	engine := newTestEngine()
	engine.Register("rpc_version", func(ctx context.Context) (string, error) {
		return "3.5.9", nil
	})
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"version","id":1}`))
	resp := decodeOne(t, out)
	if resp.Error != nil {
		t.Fatalf("error = %v", resp.Error)
	}
	if string(resp.Result) != `"3.5.9"` {
		t.Errorf("result = %s, want \"3.5.9\"", resp.Result)
	}
}

func TestInvokeParseError(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":`))
	resp := decodeOne(t, out)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeParseError)
	}
	if string(resp.ID) != "null" {
		t.Errorf("id = %s, want null", resp.ID)
	}
}

func TestInvokeInvalidRequest(t *testing.T) {
	engine := newTestEngine()
	for _, raw := range []string{
		`{"method":"echo","params":["a"],"id":1}`,
		`{"jsonrpc":"1.0","method":"echo","id":1}`,
		`{"jsonrpc":"2.0","id":1}`,
	} {
		out := engine.Invoke(context.Background(), []byte(raw))
		resp := decodeOne(t, out)
		if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
			t.Errorf("%s: error = %v, want code %d", raw, resp.Error, CodeInvalidRequest)
		}
	}
}

func TestInvokeMethodNotFound(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"nope","id":3}`))
	resp := decodeOne(t, out)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeMethodNotFound)
	}
	if string(resp.ID) != "3" {
		t.Errorf("id = %s, want 3", resp.ID)
	}
}

func TestInvokeInvalidParams(t *testing.T) {
	engine := newTestEngine()
	engine.Register("pair", func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	})
	for _, raw := range []string{
		`{"jsonrpc":"2.0","method":"pair","params":[1],"id":1}`,
		`{"jsonrpc":"2.0","method":"pair","params":[1,2,3],"id":1}`,
		`{"jsonrpc":"2.0","method":"pair","params":["x","y"],"id":1}`,
		`{"jsonrpc":"2.0","method":"pair","id":1}`,
	} {
		out := engine.Invoke(context.Background(), []byte(raw))
		resp := decodeOne(t, out)
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Errorf("%s: error = %v, want code %d", raw, resp.Error, CodeInvalidParams)
		}
	}

	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"pair","params":[4,5],"id":1}`))
	resp := decodeOne(t, out)
	if resp.Error != nil || string(resp.Result) != "9" {
		t.Fatalf("pair(4,5) = %s err %v, want 9", resp.Result, resp.Error)
	}
}

func TestInvokeObjectParamsBindRecord(t *testing.T) {
	type connectParams struct {
		ConnectionID string `json:"connection_id"`
		UserAgent    string `json:"user_agent"`
	}
	engine := newTestEngine()
	engine.Register("connect", func(ctx context.Context, p connectParams) (string, error) {
		return p.ConnectionID + "/" + p.UserAgent, nil
	})

	// Unknown fields in the object are ignored.
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"connect","params":{"connection_id":"c1","user_agent":"op/2","extra":true},"id":1}`))
	resp := decodeOne(t, out)
	if resp.Error != nil {
		t.Fatalf("error = %v", resp.Error)
	}
	if string(resp.Result) != `"c1/op/2"` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestInvokeArrayOfObjectsBindsPositionally(t *testing.T) {
	type a struct {
		X int `json:"x"`
	}
	type b struct {
		Y int `json:"y"`
	}
	engine := newTestEngine()
	engine.Register("combine", func(ctx context.Context, first a, second b) (int, error) {
		return first.X + second.Y, nil
	})
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"combine","params":[{"x":2},{"y":3}],"id":1}`))
	resp := decodeOne(t, out)
	if resp.Error != nil || string(resp.Result) != "5" {
		t.Fatalf("result = %s err %v, want 5", resp.Result, resp.Error)
	}
}

func TestInvokeRuntimeError(t *testing.T) {
	engine := newTestEngine()
	engine.Register("occupied", func(ctx context.Context) error {
		return Errorf("connection already established")
	})
	engine.Register("plain", func(ctx context.Context) error {
		return errors.New("disk on fire")
	})

	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"occupied","id":1}`))
	resp := decodeOne(t, out)
	if resp.Error == nil || resp.Error.Code != CodeRuntimeError {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeRuntimeError)
	}
	if resp.Error.Message != "connection already established" {
		t.Errorf("message = %q", resp.Error.Message)
	}

	out = engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"plain","id":2}`))
	resp = decodeOne(t, out)
	if resp.Error == nil || resp.Error.Code != CodeRuntimeError {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeRuntimeError)
	}
	if resp.Error.Message != "disk on fire" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestInvokePanicBecomesInternalError(t *testing.T) {
	engine := newTestEngine()
	engine.Register("boom", func(ctx context.Context) error {
		panic("unexpected")
	})
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"boom","id":1}`))
	resp := decodeOne(t, out)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeInternalError)
	}
}

func TestInvokeNotificationProducesNothing(t *testing.T) {
	engine := newTestEngine()
	called := false
	engine.Register("fire", func(ctx context.Context) error {
		called = true
		return nil
	})
	if out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"fire"}`)); out != nil {
		t.Fatalf("notification produced %s", out)
	}
	if !called {
		t.Fatal("notification handler was not invoked")
	}

	// A failing notification still produces nothing.
	engine.Register("fail", func(ctx context.Context) error {
		return errors.New("nope")
	})
	if out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"fail"}`)); out != nil {
		t.Fatalf("failing notification produced %s", out)
	}
}

func TestInvokeVoidHandlerResultIsNull(t *testing.T) {
	engine := newTestEngine()
	engine.Register("noop", func(ctx context.Context) error { return nil })
	out := engine.Invoke(context.Background(), []byte(`{"jsonrpc":"2.0","method":"noop","id":1}`))
	resp := decodeOne(t, out)
	if resp.Error != nil {
		t.Fatalf("error = %v", resp.Error)
	}
	if string(resp.Result) != "null" {
		t.Errorf("result = %s, want null", resp.Result)
	}
}

func TestInvokeBatchPreservesOrder(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(
		`[{"jsonrpc":"2.0","method":"echo","params":["a"],"id":1},`+
			`{"jsonrpc":"2.0","method":"bogus","params":[],"id":2}]`))

	var responses []wireResponse
	if err := json.Unmarshal(out, &responses); err != nil {
		t.Fatalf("decoding batch response %s: %v", out, err)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	if responses[0].Error != nil || string(responses[0].Result) != `"a"` || string(responses[0].ID) != "1" {
		t.Errorf("first = %+v", responses[0])
	}
	if responses[1].Error == nil || responses[1].Error.Code != CodeMethodNotFound || string(responses[1].ID) != "2" {
		t.Errorf("second = %+v", responses[1])
	}
}

func TestInvokeBatchOfNotificationsProducesNothing(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(
		`[{"jsonrpc":"2.0","method":"echo","params":["a"]},{"jsonrpc":"2.0","method":"echo","params":["b"]}]`))
	if out != nil {
		t.Fatalf("all-notification batch produced %s", out)
	}
}

func TestInvokeEmptyBatch(t *testing.T) {
	engine := newTestEngine()
	out := engine.Invoke(context.Background(), []byte(`[]`))
	resp := decodeOne(t, out)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %v, want code %d", resp.Error, CodeInvalidRequest)
	}
}

func TestRegisterRejectsBadHandlers(t *testing.T) {
	engine := newTestEngine()
	for name, handler := range map[string]any{
		"not-a-func":    42,
		"no-context":    func(x int) error { return nil },
		"no-error":      func(ctx context.Context) int { return 0 },
		"error-first":   func(ctx context.Context) (error, int) { return nil, 0 },
		"variadic":      func(ctx context.Context, xs ...int) error { return nil },
		"three-returns": func(ctx context.Context) (int, int, error) { return 0, 0, nil },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Register(%s) did not panic", name)
				}
			}()
			engine.Register(name, handler)
		}()
	}
}
