// Package components registers the built-in component catalog: the core
// workflow primitives, the human-input gates and the first-party recon tools.
// Everything here is a plain component.Definition; the catalog carries no
// state of its own.
package components

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

// maxResponseBytes caps http_request response bodies.
const maxResponseBytes = 10 << 20

// Register adds every built-in component to the registry. Panics on duplicate
// ids; built-ins are registered once at process start.
func Register(reg *component.Registry) {
	reg.MustRegister(trigger())
	reg.MustRegister(fileLoader())
	reg.MustRegister(httpRequest())
	reg.MustRegister(approvalGate())
	reg.MustRegister(manualSelect())
	reg.MustRegister(subfinder())
	reg.MustRegister(ipCheck())
}

// trigger is the workflow entry point. It republishes the run inputs so
// downstream nodes can bind them either by name or through the default
// "output" handle.
func trigger() component.Definition {
	return component.Definition{
		ID:          "core.trigger",
		Label:       "Trigger",
		Category:    component.CategoryTrigger,
		Description: "Starts the workflow and exposes the run inputs.",
		Runner:      component.Runner{Kind: component.RunnerInline},
		Outputs: []component.Port{
			{ID: "output", Label: "Run inputs", Binding: component.BindingAction, Type: component.Any()},
		},
		Execute: func(_ context.Context, _ *execctx.Context, input map[string]any) (*component.Result, error) {
			out := make(map[string]any, len(input)+1)
			for k, v := range input {
				out[k] = v
			}
			out["output"] = input
			return &component.Result{Output: out}, nil
		},
	}
}

func fileLoader() component.Definition {
	return component.Definition{
		ID:          "core.file_loader",
		Label:       "File loader",
		Category:    "core",
		Description: "Loads a stored file and exposes its content.",
		Runner:      component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "file_id", Label: "File", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveFile), Required: true},
		},
		Outputs: []component.Port{
			{ID: "name", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText)},
			{ID: "content", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText)},
			{ID: "size", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveNumber)},
		},
		Execute: func(ctx context.Context, ec *execctx.Context, input map[string]any) (*component.Result, error) {
			storage, err := ec.RequireStorage()
			if err != nil {
				return nil, err
			}
			fileID, err := stringInput(input, "file_id")
			if err != nil {
				return nil, err
			}
			name, content, err := storage.Download(ctx, fileID)
			if err != nil {
				return nil, rferr.Wrap(rferr.KindDependency, err, "download file").
					WithField("fileId", fileID)
			}
			if !utf8.Valid(content) {
				return nil, rferr.New(rferr.KindValidation, "file is not text").
					WithField("fileId", fileID)
			}
			return &component.Result{Output: map[string]any{
				"name":    name,
				"content": string(content),
				"size":    float64(len(content)),
			}}, nil
		},
	}
}

func httpRequest() component.Definition {
	return component.Definition{
		ID:          "core.http_request",
		Label:       "HTTP request",
		Category:    "core",
		Description: "Calls an external HTTP endpoint and exposes the response.",
		Runner:      component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "url", Label: "URL", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText), Required: true},
			{ID: "body", Label: "Body", Binding: component.BindingAction, Type: component.Any()},
		},
		Parameters: []component.Port{
			{ID: "method", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveText), Default: "GET"},
			{ID: "headers", Binding: component.BindingConfig, Type: component.ConnectionType{
				Kind:  component.ConnectionMap,
				Key:   &component.ConnectionType{Kind: component.ConnectionPrimitive, Primitive: component.PrimitiveText},
				Value: &component.ConnectionType{Kind: component.ConnectionPrimitive, Primitive: component.PrimitiveText},
			}},
		},
		Outputs: []component.Port{
			{ID: "status", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveNumber)},
			{ID: "body", Binding: component.BindingAction, Type: component.Any()},
		},
		Retry: component.RetryPolicy{MaxAttempts: 3},
		Execute: func(ctx context.Context, ec *execctx.Context, input map[string]any) (*component.Result, error) {
			client, err := ec.RequireHTTP()
			if err != nil {
				return nil, err
			}
			rawURL, err := stringInput(input, "url")
			if err != nil {
				return nil, err
			}
			method := "GET"
			if m, ok := input["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}
			var body io.Reader
			if payload, ok := input["body"]; ok && payload != nil {
				raw, err := json.Marshal(payload)
				if err != nil {
					return nil, rferr.Wrap(rferr.KindValidation, err, "encode request body")
				}
				body = strings.NewReader(string(raw))
			}
			req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
			if err != nil {
				return nil, rferr.Wrap(rferr.KindValidation, err, "build request")
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if headers, ok := input["headers"].(map[string]any); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, rferr.Wrap(rferr.KindDependency, err, "http request failed").
					WithField("url", rawURL)
			}
			defer func() { _ = resp.Body.Close() }()
			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return nil, rferr.Wrap(rferr.KindDependency, err, "read response")
			}
			if resp.StatusCode >= 500 {
				return nil, rferr.Newf(rferr.KindDependency, "endpoint returned status %d", resp.StatusCode).
					WithField("url", rawURL).WithField("status", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return nil, rferr.Newf(rferr.KindValidation, "endpoint rejected the request with status %d", resp.StatusCode).
					WithField("url", rawURL).WithField("status", resp.StatusCode)
			}
			return &component.Result{Output: map[string]any{
				"status": float64(resp.StatusCode),
				"body":   decodeBody(raw),
			}}, nil
		},
	}
}

// decodeBody returns parsed JSON when the payload is JSON, the raw text
// otherwise.
func decodeBody(raw []byte) any {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}

func stringInput(input map[string]any, key string) (string, error) {
	val, ok := input[key].(string)
	if !ok || val == "" {
		return "", rferr.Newf(rferr.KindValidation, "input %q must be a non-empty string", key).
			WithField("inputId", key)
	}
	return val, nil
}

func fmtRequestID(ec *execctx.Context, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", ec.RunID, ec.ComponentRef, suffix)
}
