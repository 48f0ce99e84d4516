package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
	"github.com/reconflow/reconflow/telemetry"
)

func noSleep(t *testing.T) (func(context.Context, time.Duration) error, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	return func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}, &delays
}

func inlineDef(retry component.RetryPolicy, fn component.ExecuteFunc) *component.Definition {
	return &component.Definition{
		ID:      "test.inline",
		Runner:  component.Runner{Kind: component.RunnerInline},
		Retry:   retry,
		Execute: fn,
	}
}

func TestInlineRetriesTransientFailures(t *testing.T) {
	sleep, delays := noSleep(t)
	r := New(Options{Sleep: sleep})

	var calls int
	def := inlineDef(component.RetryPolicy{
		MaxAttempts:            3,
		InitialIntervalSeconds: 1,
		BackoffCoefficient:     2,
		MaximumIntervalSeconds: 60,
	}, func(context.Context, *execctx.Context, map[string]any) (*component.Result, error) {
		calls++
		if calls < 3 {
			return nil, rferr.New(rferr.KindDependency, "flaky upstream")
		}
		return &component.Result{Output: map[string]any{"ok": true}}, nil
	})

	res, err := r.Execute(context.Background(), execctx.New("run-1", "n1", nil), Request{Definition: def})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
	// min(1s*2^(n-1), 60s)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestInlineValidationErrorIsNotRetried(t *testing.T) {
	sleep, delays := noSleep(t)
	r := New(Options{Sleep: sleep})

	var calls int
	def := inlineDef(component.RetryPolicy{MaxAttempts: 5}, func(context.Context, *execctx.Context, map[string]any) (*component.Result, error) {
		calls++
		return nil, rferr.New(rferr.KindValidation, "bad input")
	})

	_, err := r.Execute(context.Background(), execctx.New("run-1", "n1", nil), Request{Definition: def})
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindValidation))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestPolicyExcludedKindStopsRetry(t *testing.T) {
	sleep, _ := noSleep(t)
	r := New(Options{Sleep: sleep})

	var calls int
	def := inlineDef(component.RetryPolicy{
		MaxAttempts:            5,
		NonRetryableErrorKinds: []string{string(rferr.KindTimeout)},
	}, func(context.Context, *execctx.Context, map[string]any) (*component.Result, error) {
		calls++
		return nil, rferr.New(rferr.KindTimeout, "deadline blown")
	})

	_, err := r.Execute(context.Background(), execctx.New("run-1", "n1", nil), Request{Definition: def})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelayCapsAtMaximum(t *testing.T) {
	policy := component.RetryPolicy{
		InitialIntervalSeconds: 1,
		BackoffCoefficient:     10,
		MaximumIntervalSeconds: 30,
	}
	assert.Equal(t, time.Second, backoffDelay(policy, 1))
	assert.Equal(t, 10*time.Second, backoffDelay(policy, 2))
	assert.Equal(t, 30*time.Second, backoffDelay(policy, 3))
	assert.Equal(t, 30*time.Second, backoffDelay(policy, 8))
}

func TestUnknownErrorsAreTreatedAsTransient(t *testing.T) {
	sleep, _ := noSleep(t)
	r := New(Options{Sleep: sleep})

	var calls int
	def := inlineDef(component.RetryPolicy{MaxAttempts: 2}, func(context.Context, *execctx.Context, map[string]any) (*component.Result, error) {
		calls++
		return nil, assert.AnError
	})

	_, err := r.Execute(context.Background(), execctx.New("run-1", "n1", nil), Request{Definition: def})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRemoteRunnerStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantKind   rferr.Kind
		wantOutput map[string]any
	}{
		{name: "success wrapped", status: 200, body: `{"output":{"ip":"1.2.3.4"}}`, wantOutput: map[string]any{"ip": "1.2.3.4"}},
		{name: "success bare object", status: 200, body: `{"ip":"1.2.3.4"}`, wantOutput: map[string]any{"ip": "1.2.3.4"}},
		{name: "client error", status: 422, body: `{"error":"missing target"}`, wantKind: rferr.KindValidation},
		{name: "server error", status: 503, body: `{"error":"overloaded"}`, wantKind: rferr.KindDependency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				assert.Equal(t, "Bearer s3cr3t", req.Header.Get("Authorization"))
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			def := &component.Definition{
				ID: "net.ip_check",
				Runner: component.Runner{Kind: component.RunnerRemote, Remote: &component.RemoteRunner{
					Endpoint:      srv.URL,
					AuthSecretRef: "ipcheck-key",
				}},
			}
			ec := execctx.New("run-1", "n1", telemetry.NewNoopLogger())
			ec.Secrets = staticSecrets{"ipcheck-key": "s3cr3t"}

			sleep, _ := noSleep(t)
			r := New(Options{Sleep: sleep})
			res, err := r.Execute(context.Background(), ec, Request{Definition: def})
			if tc.wantKind != "" {
				require.Error(t, err)
				assert.True(t, rferr.IsKind(err, tc.wantKind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOutput, res.Output)
		})
	}
}

func TestRemoteRunnerMissingSecretsCapability(t *testing.T) {
	def := &component.Definition{
		ID: "net.ip_check",
		Runner: component.Runner{Kind: component.RunnerRemote, Remote: &component.RemoteRunner{
			Endpoint:      "http://127.0.0.1:1",
			AuthSecretRef: "ipcheck-key",
		}},
	}
	sleep, _ := noSleep(t)
	r := New(Options{Sleep: sleep})
	_, err := r.Execute(context.Background(), execctx.New("run-1", "n1", nil), Request{Definition: def})
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindConfiguration))
}

type staticSecrets map[string]string

func (s staticSecrets) Get(_ context.Context, id string) (execctx.SecretValue, error) {
	v, ok := s[id]
	if !ok {
		return execctx.SecretValue{}, rferr.New(rferr.KindNotFound, "unknown secret")
	}
	return execctx.SecretValue{Value: v, Version: 1}, nil
}
