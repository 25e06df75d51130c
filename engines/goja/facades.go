// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"encoding/base64"

	"github.com/dop251/goja"
)

func (b *binder) requestObject() goja.Value {
	r := b.inv.Request
	obj := b.vm.NewObject()

	str := func(name string, get func() string) {
		b.property(obj, name, func() goja.Value { return b.vm.ToValue(get()) }, nil)
	}
	str("id", r.ID)
	str("transactionId", r.TransactionID)
	str("clientIdentifier", r.ClientIdentifier)
	str("uri", r.URI)
	str("host", r.Host)
	str("originalHost", r.OriginalHost)
	str("path", r.Path)
	str("pathInfo", r.PathInfo)
	str("contextPath", r.ContextPath)
	str("method", r.Method)
	str("scheme", r.Scheme)
	str("version", r.Version)
	str("remoteAddress", r.RemoteAddress)
	str("localAddress", r.LocalAddress)

	headers := b.headersObject(r.Headers())
	parameters := b.parametersObject(r.Parameters())
	pathParameters := b.parametersObject(r.PathParameters())
	b.property(obj, "headers", func() goja.Value { return headers }, nil)
	b.property(obj, "parameters", func() goja.Value { return parameters }, nil)
	b.property(obj, "pathParameters", func() goja.Value { return pathParameters }, nil)
	b.property(obj, "timestamp", func() goja.Value { return b.vm.ToValue(r.Timestamp().UnixMilli()) }, nil)
	b.property(obj, "content", func() goja.Value {
		if b.inv.RequestContent == nil {
			b.throwType("Accessing request content must be enabled in the policy configuration")
		}
		return b.vm.ToValue(*b.inv.RequestContent)
	}, nil)
	return obj
}

func (b *binder) responseObject() goja.Value {
	r := b.inv.Response
	obj := b.vm.NewObject()

	b.property(obj, "status",
		func() goja.Value { return b.vm.ToValue(r.Status()) },
		func(v goja.Value) {
			code := int(v.ToInteger())
			if code < 100 || code > 599 {
				b.throwType("invalid status code: %d", code)
			}
			r.SetStatus(code)
		})
	b.property(obj, "reason",
		func() goja.Value { return b.vm.ToValue(r.Reason()) },
		func(v goja.Value) { r.SetReason(optionalString(v)) })

	headers := b.headersObject(r.Headers())
	trailers := b.headersObject(r.Trailers())
	b.property(obj, "headers", func() goja.Value { return headers }, nil)
	b.property(obj, "trailers", func() goja.Value { return trailers }, nil)
	b.property(obj, "content", func() goja.Value {
		if b.inv.ResponseContent == nil {
			b.throwType("Accessing response content must be enabled in the policy configuration")
		}
		return b.vm.ToValue(*b.inv.ResponseContent)
	}, nil)
	return obj
}

func (b *binder) messageObject() goja.Value {
	m := b.inv.Message
	obj := b.vm.NewObject()

	headers := b.headersObject(m.Headers())
	attrs := b.vm.NewDynamicObject(&attributesObject{
		vm:     b.vm,
		get:    m.Attribute,
		set:    m.SetAttribute,
		remove: m.RemoveAttribute,
		names: func() []string {
			all := m.Attributes()
			names := make([]string, 0, len(all))
			for name := range all {
				names = append(names, name)
			}
			return names
		},
	})

	b.property(obj, "id", func() goja.Value { return b.vm.ToValue(m.ID()) }, nil)
	b.property(obj, "headers", func() goja.Value { return headers }, nil)
	b.property(obj, "attributes", func() goja.Value { return attrs }, nil)
	b.property(obj, "content",
		func() goja.Value { return b.vm.ToValue(string(m.Content())) },
		func(v goja.Value) { m.SetContent([]byte(optionalString(v))) })
	b.property(obj, "contentAsBase64", func() goja.Value {
		return b.vm.ToValue(base64.StdEncoding.EncodeToString(m.Content()))
	}, nil)
	b.property(obj, "contentAsByteArray", func() goja.Value {
		content := m.Content()
		items := make([]any, len(content))
		for i, c := range content {
			items[i] = int64(c)
		}
		return b.vm.NewArray(items...)
	}, nil)

	b.method(obj, "attribute", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if len(call.Arguments) > 1 {
			if v := exportValue(call.Argument(1)); v != nil {
				m.SetAttribute(name, v)
			} else {
				m.RemoveAttribute(name)
			}
			return obj
		}
		if v := m.Attribute(name); v != nil {
			return b.vm.ToValue(v)
		}
		return goja.Null()
	})
	b.method(obj, "removeAttribute", func(call goja.FunctionCall) goja.Value {
		m.RemoveAttribute(call.Argument(0).String())
		return obj
	})
	return obj
}
