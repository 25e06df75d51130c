// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"
	"net/http"

	"github.com/dop251/goja"

	"github.com/buke/js-policy/httpbridge"
)

// requestConstructor returns the Request constructor:
// new Request(url, method = 'GET', headers, payload).
func (b *binder) requestConstructor() goja.Value {
	return b.vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		target := call.Argument(0)
		if goja.IsUndefined(target) || goja.IsNull(target) {
			b.throwType("Request requires a url")
		}
		method := optionalString(call.Argument(1))
		if method == "" {
			method = http.MethodGet
		}
		headers := call.Argument(2)
		if goja.IsUndefined(headers) || goja.IsNull(headers) {
			headers = b.vm.NewObject()
		}

		_ = call.This.Set("url", target.String())
		_ = call.This.Set("method", method)
		_ = call.This.Set("headers", headers)
		if payload := call.Argument(3); goja.IsUndefined(payload) || goja.IsNull(payload) {
			_ = call.This.Set("payload", goja.Null())
		} else {
			_ = call.This.Set("payload", payload.String())
		}
		return nil
	})
}

// exchangeSpec reads a url string or a Request-like object.
func (b *binder) exchangeSpec(v goja.Value) httpbridge.ExchangeSpec {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		b.throwType("a url or a Request is required")
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return httpbridge.ExchangeSpec{URL: v.String(), Method: http.MethodGet}
	}

	spec := httpbridge.ExchangeSpec{
		URL:     optionalString(obj.Get("url")),
		Method:  optionalString(obj.Get("method")),
		Headers: http.Header{},
	}
	if spec.URL == "" {
		b.throwType("Request requires a url")
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}
	if h, ok := obj.Get("headers").(*goja.Object); ok {
		for _, name := range h.Keys() {
			value := h.Get(name)
			if arr, ok := value.(*goja.Object); ok && arr.ClassName() == "Array" {
				for _, item := range arr.Export().([]any) {
					spec.Headers.Add(name, toString(item))
				}
				continue
			}
			spec.Headers.Add(name, value.String())
		}
	}
	if payload := obj.Get("payload"); payload != nil && !goja.IsUndefined(payload) && !goja.IsNull(payload) {
		s := payload.String()
		spec.Payload = &s
	}
	return spec
}

func (b *binder) httpClientObject() goja.Value {
	obj := b.vm.NewObject()
	b.method(obj, "send", func(call goja.FunctionCall) goja.Value {
		return b.send(b.exchangeSpec(call.Argument(0)), call.Argument(1))
	})
	b.method(obj, "get", func(call goja.FunctionCall) goja.Value {
		spec := b.exchangeSpec(call.Argument(0))
		spec.Method = http.MethodGet
		return b.send(spec, call.Argument(1))
	})
	return obj
}

// send issues spec through the invocation's bridge. The callback, when given,
// runs on the loop with (response, null) or (null, error).
func (b *binder) send(spec httpbridge.ExchangeSpec, callback goja.Value) goja.Value {
	var cb httpbridge.Callback
	if !goja.IsUndefined(callback) && !goja.IsNull(callback) {
		fn, ok := goja.AssertFunction(callback)
		if !ok {
			b.throwType("callback must be a function")
		}
		cb = func(resp *httpbridge.ClientResponse, err error) {
			var callErr error
			if err != nil {
				_, callErr = fn(goja.Undefined(), goja.Null(), b.vm.NewGoError(err))
			} else {
				_, callErr = fn(goja.Undefined(), b.clientResponseObject(resp), goja.Null())
			}
			if callErr != nil {
				b.state.failCallback(fmt.Errorf("callback for %s %s failed: %w", spec.Method, spec.URL, callErr))
			}
		}
	}
	return b.exchangeObject(b.bridge.Send(spec, cb))
}

func (b *binder) clientResponseObject(resp *httpbridge.ClientResponse) *goja.Object {
	obj := b.vm.NewObject()
	headers := b.headersObject(resp.Headers)
	b.property(obj, "status", func() goja.Value { return b.vm.ToValue(resp.Status) }, nil)
	b.property(obj, "body", func() goja.Value { return b.vm.ToValue(resp.Body) }, nil)
	b.property(obj, "headers", func() goja.Value { return headers }, nil)
	return obj
}

func (b *binder) exchangeObject(ex *httpbridge.Exchange) goja.Value {
	obj := b.vm.NewObject()

	// waitForComplete blocks the loop until the exchange completes, then runs
	// its callback here so the script sees the callback's effects on return.
	b.method(obj, "waitForComplete", func(goja.FunctionCall) goja.Value {
		if err := ex.Wait(b.ctx); err != nil {
			b.throw(err)
		}
		ex.Settle()
		return obj
	})
	response := func(goja.FunctionCall) goja.Value {
		if resp := ex.Response(); resp != nil {
			return b.clientResponseObject(resp)
		}
		return goja.Null()
	}
	b.method(obj, "response", response)
	b.method(obj, "getResponse", response)
	errorOf := func(goja.FunctionCall) goja.Value {
		if err := ex.Err(); err != nil {
			return b.vm.NewGoError(err)
		}
		return goja.Null()
	}
	b.method(obj, "error", errorOf)
	b.method(obj, "getError", errorOf)
	b.method(obj, "isComplete", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(ex.IsComplete()) })
	b.method(obj, "isSuccess", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(ex.IsSuccess()) })
	b.method(obj, "isError", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(ex.IsError()) })
	return obj
}
