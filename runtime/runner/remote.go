package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

// remoteRequest is the wire shape POSTed to remote runner endpoints.
type remoteRequest struct {
	RunID        string         `json:"runId"`
	ComponentRef string         `json:"componentRef"`
	ComponentID  string         `json:"componentId"`
	Input        map[string]any `json:"input"`
}

// remoteResponse is the expected reply. A reply that is a bare JSON object is
// accepted as the output map directly.
type remoteResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error"`
}

// runRemote POSTs the bound input to the component's endpoint. Client errors
// mean the request itself is wrong and are never retried; server errors and
// timeouts go back to the retry loop.
func (r *Runner) runRemote(ctx context.Context, ec *execctx.Context, spec *component.RemoteRunner, req Request) (*component.Result, error) {
	def := req.Definition
	body, err := json.Marshal(remoteRequest{
		RunID:        ec.RunID,
		ComponentRef: ec.ComponentRef,
		ComponentID:  def.ID,
		Input:        req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("encode remote request: %w", err)
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if spec.AuthSecretRef != "" {
		secrets, err := ec.RequireSecrets()
		if err != nil {
			return nil, err
		}
		secret, err := secrets.Get(ctx, spec.AuthSecretRef)
		if err != nil {
			return nil, rferr.Wrap(rferr.KindConfiguration, err, "resolve remote runner secret").
				WithField("componentId", def.ID).WithField("secretRef", spec.AuthSecretRef)
		}
		httpReq.Header.Set("Authorization", "Bearer "+secret.Value)
	}

	start := time.Now()
	resp, err := r.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, rferr.Wrap(rferr.KindTimeout, err, "remote runner timed out").
				WithField("componentId", def.ID)
		}
		return nil, rferr.Wrap(rferr.KindDependency, err, "remote runner unreachable").
			WithField("componentId", def.ID)
	}
	defer resp.Body.Close()
	r.metrics.RecordTimer("runner.remote.duration", time.Since(start), "component", def.ID)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, rferr.Wrap(rferr.KindDependency, err, "read remote runner response").
			WithField("componentId", def.ID)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeRemoteResult(payload)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, rferr.Newf(rferr.KindValidation, "remote runner rejected request: %s", remoteMessage(payload)).
			WithField("componentId", def.ID).WithField("status", resp.StatusCode)
	default:
		return nil, rferr.Newf(rferr.KindDependency, "remote runner failed: %s", remoteMessage(payload)).
			WithField("componentId", def.ID).WithField("status", resp.StatusCode)
	}
}

func decodeRemoteResult(payload []byte) (*component.Result, error) {
	var wrapped remoteResponse
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Output != nil {
		return &component.Result{Output: wrapped.Output}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err == nil {
		delete(raw, "error")
		return &component.Result{Output: raw}, nil
	}
	return nil, rferr.New(rferr.KindDependency, "remote runner returned malformed response")
}

func remoteMessage(payload []byte) string {
	var wrapped remoteResponse
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Error != "" {
		return wrapped.Error
	}
	return truncate(string(payload), 512)
}
