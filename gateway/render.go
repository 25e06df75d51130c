// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"text/template"

	jspolicy "github.com/buke/js-policy"
)

// Renderer writes interrupts to the client.
// A failure without a content type gets the default JSON body. With a content
// type, the template registered for its key is used, or the raw message.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses one template per failure key.
func NewRenderer(templates map[string]string) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template, len(templates))}
	for key, src := range templates {
		tmpl, err := template.New(key).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template for key %s: %w", key, err)
		}
		r.templates[key] = tmpl
	}
	return r, nil
}

// Render writes f as the response. A template that fails to execute falls
// back to the raw message; the template error is returned after writing.
func (r *Renderer) Render(w http.ResponseWriter, f *jspolicy.Failure) error {
	body, contentType, renderErr := r.body(f)

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusOf(f))
	if _, err := w.Write(body); err != nil {
		return err
	}
	return renderErr
}

func (r *Renderer) body(f *jspolicy.Failure) ([]byte, string, error) {
	if f.ContentType == "" {
		b, err := json.Marshal(f)
		if err != nil {
			return []byte(f.Message), "text/plain", fmt.Errorf("failed to encode failure: %w", err)
		}
		return b, "application/json", nil
	}

	tmpl, ok := r.templates[f.Key]
	if !ok {
		return []byte(f.Message), f.ContentType, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, f); err != nil {
		return []byte(f.Message), f.ContentType, fmt.Errorf("failed to render template for key %s: %w", f.Key, err)
	}
	return buf.Bytes(), f.ContentType, nil
}

// statusOf returns the declared status, or 500 when it cannot be sent on the wire.
func statusOf(f *jspolicy.Failure) int {
	if f.StatusCode < 100 || f.StatusCode > 599 {
		return http.StatusInternalServerError
	}
	return f.StatusCode
}
