// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dop251/goja"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/httpbridge"
)

// binder installs the per-invocation globals into a fresh runtime.
type binder struct {
	vm      *goja.Runtime
	ctx     context.Context
	inv     *jspolicy.Invocation
	bridge  *httpbridge.Bridge
	state   *evalState
	logger  *slog.Logger
	console bool
}

// install defines every binding as a non-writable, non-configurable global,
// so scripts cannot replace or delete them.
func (b *binder) install() error {
	globals := []struct {
		name  string
		value goja.Value
	}{
		{"result", b.resultObject()},
		{"State", b.stateObject()},
		{"context", b.contextObject()},
		{"Request", b.requestConstructor()},
		{"httpClient", b.httpClientObject()},
	}
	if b.inv.Phase.IsMessage() {
		globals = append(globals, struct {
			name  string
			value goja.Value
		}{"message", b.messageObject()})
	} else {
		globals = append(globals,
			struct {
				name  string
				value goja.Value
			}{"request", b.requestObject()},
			struct {
				name  string
				value goja.Value
			}{"response", b.responseObject()},
		)
	}
	if b.console {
		globals = append(globals, struct {
			name  string
			value goja.Value
		}{"console", b.consoleObject()})
	}

	global := b.vm.GlobalObject()
	for _, g := range globals {
		if err := global.DefineDataProperty(g.name, g.value, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return fmt.Errorf("failed to bind %s: %w", g.name, err)
		}
	}
	return nil
}

// property defines name as an accessor on obj and mirrors it as getName and,
// when set is not nil, setName methods.
func (b *binder) property(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	getter := b.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)

	suffix := strings.ToUpper(name[:1]) + name[1:]
	_ = obj.Set("get"+suffix, getter)
	if setter != nil {
		_ = obj.Set("set"+suffix, setter)
	}
}

// callableObject returns a function that evaluates to itself, so scripts can
// reach it both as request.headers and as request.headers().
func (b *binder) callableObject() *goja.Object {
	var obj *goja.Object
	obj = b.vm.ToValue(func(goja.FunctionCall) goja.Value { return obj }).(*goja.Object)
	return obj
}

func (b *binder) method(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	_ = obj.Set(name, fn)
}

func (b *binder) throwType(format string, args ...any) {
	panic(b.vm.NewTypeError(append([]any{format}, args...)...))
}

func (b *binder) throw(err error) {
	panic(b.vm.NewGoError(err))
}

// optionalString returns "" for undefined and null.
func optionalString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (b *binder) resultObject() goja.Value {
	r := b.state.result
	obj := b.vm.NewObject()

	b.property(obj, "state",
		func() goja.Value { return b.vm.ToValue(string(r.State())) },
		func(v goja.Value) {
			s, err := jspolicy.ParseState(optionalString(v))
			if err != nil {
				b.throwType("%s", err.Error())
			}
			if !r.SetState(s) {
				b.logger.Debug("Ignored result state revert",
					"script", b.inv.Script.FileName,
					"state", s)
			}
		})
	b.property(obj, "code",
		func() goja.Value { return b.vm.ToValue(r.Code()) },
		func(v goja.Value) { r.SetCode(int(v.ToInteger())) })
	b.property(obj, "key",
		func() goja.Value { return b.nullable(r.Key()) },
		func(v goja.Value) { r.SetKey(optionalString(v)) })
	b.property(obj, "error",
		func() goja.Value { return b.nullable(r.Message()) },
		func(v goja.Value) { r.SetMessage(optionalString(v)) })
	b.property(obj, "contentType",
		func() goja.Value { return b.nullable(r.ContentType()) },
		func(v goja.Value) { r.SetContentType(optionalString(v)) })
	return obj
}

// nullable maps the empty string to null.
func (b *binder) nullable(s string) goja.Value {
	if s == "" {
		return goja.Null()
	}
	return b.vm.ToValue(s)
}

func (b *binder) stateObject() goja.Value {
	obj := b.vm.NewObject()
	for _, s := range []jspolicy.State{jspolicy.StateSuccess, jspolicy.StateFailure} {
		_ = obj.DefineDataProperty(string(s), b.vm.ToValue(string(s)), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	b.freeze(obj)
	return obj
}

func (b *binder) freeze(obj *goja.Object) {
	if freeze, ok := goja.AssertFunction(b.vm.Get("Object").ToObject(b.vm).Get("freeze")); ok {
		_, _ = freeze(goja.Undefined(), obj)
	}
}

func (b *binder) consoleObject() goja.Value {
	obj := b.vm.NewObject()
	levels := map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, level := range levels {
		level := level
		b.method(obj, name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			b.logger.Log(b.ctx, level, strings.Join(parts, " "),
				"script", b.inv.Script.FileName,
				"phase", b.inv.Phase.String())
			return goja.Undefined()
		})
	}
	return obj
}

// attributesObject exposes a live view of an attribute map.
type attributesObject struct {
	vm     *goja.Runtime
	get    func(string) any
	set    func(string, any)
	remove func(string)
	names  func() []string
}

func (a *attributesObject) Get(key string) goja.Value {
	v := a.get(key)
	if v == nil {
		return nil
	}
	return a.vm.ToValue(v)
}

func (a *attributesObject) Set(key string, val goja.Value) bool {
	a.set(key, exportValue(val))
	return true
}

func (a *attributesObject) Has(key string) bool {
	return a.get(key) != nil
}

func (a *attributesObject) Delete(key string) bool {
	a.remove(key)
	return true
}

func (a *attributesObject) Keys() []string {
	names := a.names()
	sort.Strings(names)
	return names
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func (b *binder) contextObject() goja.Value {
	c := b.inv.Context
	obj := b.vm.NewObject()

	attrs := b.vm.NewDynamicObject(&attributesObject{
		vm:     b.vm,
		get:    c.Attribute,
		set:    c.SetAttribute,
		remove: c.RemoveAttribute,
		names:  c.AttributeNames,
	})
	b.property(obj, "attributes", func() goja.Value { return attrs }, nil)
	b.property(obj, "attributeNames", func() goja.Value { return b.vm.ToValue(sortedNames(c.AttributeNames())) }, nil)
	b.property(obj, "dictionaries", func() goja.Value { return b.vm.ToValue(copyDictionaries(c.Dictionaries())) }, nil)
	b.property(obj, "properties", func() goja.Value { return b.vm.ToValue(copyStrings(c.Properties())) }, nil)

	getAttr := func(call goja.FunctionCall) goja.Value {
		v := c.Attribute(call.Argument(0).String())
		if v == nil {
			return goja.Null()
		}
		return b.vm.ToValue(v)
	}
	setAttr := func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if v := exportValue(call.Argument(1)); v != nil {
			c.SetAttribute(name, v)
		} else {
			c.RemoveAttribute(name)
		}
		return goja.Undefined()
	}
	b.method(obj, "getAttribute", getAttr)
	b.method(obj, "setAttribute", setAttr)
	b.method(obj, "putAttribute", setAttr)
	b.method(obj, "attribute", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 1 {
			return setAttr(call)
		}
		return getAttr(call)
	})
	b.method(obj, "removeAttribute", func(call goja.FunctionCall) goja.Value {
		c.RemoveAttribute(call.Argument(0).String())
		return goja.Undefined()
	})
	b.method(obj, "getAttributeAsList", func(call goja.FunctionCall) goja.Value {
		switch v := c.Attribute(call.Argument(0).String()).(type) {
		case nil:
			return b.vm.NewArray()
		case []any:
			return b.vm.NewArray(v...)
		case []string:
			items := make([]any, len(v))
			for i, s := range v {
				items[i] = s
			}
			return b.vm.NewArray(items...)
		default:
			return b.vm.NewArray(v)
		}
	})
	b.method(obj, "getAttributeNames", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(sortedNames(c.AttributeNames()))
	})
	b.method(obj, "getAttributes", func(goja.FunctionCall) goja.Value { return attrs })
	return obj
}

func sortedNames(names []string) []string {
	out := append([]string{}, names...)
	sort.Strings(out)
	return out
}

func copyStrings(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDictionaries(m map[string]map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyStrings(v)
	}
	return out
}
