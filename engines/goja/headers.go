// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/dop251/goja"
)

// headersObject wraps a live header map. Names are case-insensitive. A nil
// map is exposed as empty and read-only.
func (b *binder) headersObject(h http.Header) *goja.Object {
	obj := b.callableObject()
	writable := func() {
		if h == nil {
			b.throwType("headers are read-only")
		}
	}
	values := func(call goja.FunctionCall) []string {
		v := call.Argument(1)
		if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Array" {
			var out []string
			for _, item := range obj.Export().([]any) {
				out = append(out, toString(item))
			}
			return out
		}
		return []string{v.String()}
	}

	b.method(obj, "get", func(call goja.FunctionCall) goja.Value {
		vs := h.Values(call.Argument(0).String())
		if len(vs) == 0 {
			return goja.Null()
		}
		return b.vm.ToValue(vs[0])
	})
	b.method(obj, "getAll", func(call goja.FunctionCall) goja.Value {
		return b.stringArray(h.Values(call.Argument(0).String()))
	})
	b.method(obj, "set", func(call goja.FunctionCall) goja.Value {
		writable()
		name := call.Argument(0).String()
		h.Del(name)
		for _, v := range values(call) {
			h.Add(name, v)
		}
		return obj
	})
	b.method(obj, "add", func(call goja.FunctionCall) goja.Value {
		writable()
		name := call.Argument(0).String()
		for _, v := range values(call) {
			h.Add(name, v)
		}
		return obj
	})
	b.method(obj, "put", func(call goja.FunctionCall) goja.Value {
		writable()
		name := call.Argument(0).String()
		old := append([]string{}, h.Values(name)...)
		h.Del(name)
		for _, v := range values(call) {
			h.Add(name, v)
		}
		if len(old) == 0 {
			return goja.Null()
		}
		return b.stringArray(old)
	})
	b.method(obj, "remove", func(call goja.FunctionCall) goja.Value {
		writable()
		h.Del(call.Argument(0).String())
		return obj
	})
	contains := func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(len(h.Values(call.Argument(0).String())) > 0)
	}
	b.method(obj, "contains", contains)
	b.method(obj, "containsKey", contains)
	names := func(goja.FunctionCall) goja.Value { return b.stringArray(headerNames(h)) }
	b.method(obj, "names", names)
	b.method(obj, "keySet", names)
	b.method(obj, "size", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(len(h)) })
	b.method(obj, "isEmpty", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(len(h) == 0) })
	b.method(obj, "toSingleValueMap", func(goja.FunctionCall) goja.Value {
		m := b.vm.NewObject()
		for _, name := range headerNames(h) {
			_ = m.Set(name, h.Get(name))
		}
		return m
	})
	// forEach yields one {key, value} entry per header value.
	b.method(obj, "forEach", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			b.throwType("forEach requires a function")
		}
		for _, name := range headerNames(h) {
			for _, v := range append([]string{}, h[name]...) {
				entry := b.vm.NewObject()
				_ = entry.Set("key", name)
				_ = entry.Set("value", v)
				if _, err := fn(goja.Undefined(), entry); err != nil {
					panic(err)
				}
			}
		}
		return goja.Undefined()
	})
	return obj
}

// parametersObject wraps a live multi-valued parameter map.
func (b *binder) parametersObject(p url.Values) *goja.Object {
	obj := b.callableObject()
	writable := func() {
		if p == nil {
			b.throwType("parameters are read-only")
		}
	}

	getAll := func(call goja.FunctionCall) goja.Value {
		return b.stringArray(p[call.Argument(0).String()])
	}
	b.method(obj, "getFirst", func(call goja.FunctionCall) goja.Value {
		vs := p[call.Argument(0).String()]
		if len(vs) == 0 {
			return goja.Null()
		}
		return b.vm.ToValue(vs[0])
	})
	b.method(obj, "get", getAll)
	b.method(obj, "getAll", getAll)
	names := func(goja.FunctionCall) goja.Value { return b.stringArray(sortedKeys(p)) }
	b.method(obj, "keySet", names)
	b.method(obj, "names", names)
	b.method(obj, "containsKey", func(call goja.FunctionCall) goja.Value {
		_, ok := p[call.Argument(0).String()]
		return b.vm.ToValue(ok)
	})
	b.method(obj, "size", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(len(p)) })
	b.method(obj, "isEmpty", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(len(p) == 0) })
	b.method(obj, "toSingleValueMap", func(goja.FunctionCall) goja.Value {
		m := b.vm.NewObject()
		for _, name := range sortedKeys(p) {
			_ = m.Set(name, p.Get(name))
		}
		return m
	})
	b.method(obj, "add", func(call goja.FunctionCall) goja.Value {
		writable()
		p.Add(call.Argument(0).String(), call.Argument(1).String())
		return obj
	})
	b.method(obj, "set", func(call goja.FunctionCall) goja.Value {
		writable()
		p.Set(call.Argument(0).String(), call.Argument(1).String())
		return obj
	})
	b.method(obj, "remove", func(call goja.FunctionCall) goja.Value {
		writable()
		p.Del(call.Argument(0).String())
		return obj
	})
	return obj
}

func (b *binder) stringArray(values []string) goja.Value {
	items := make([]any, len(values))
	for i, v := range values {
		items[i] = v
	}
	return b.vm.NewArray(items...)
}

func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(p url.Values) []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
