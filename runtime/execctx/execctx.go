// Package execctx provides the per-action capability bundle handed to
// components by the executor. Every capability is optional at the interface
// level; components check presence and fail with a ConfigurationError when a
// required capability is absent. This keeps component code honest about its
// dependencies and lets tests run with a minimal bundle.
package execctx

import (
	"context"
	"net/http"
	"time"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/telemetry"
)

type (
	// Storage uploads and downloads files by id, scoped by organization.
	Storage interface {
		Upload(ctx context.Context, name string, mimeType string, content []byte) (string, error)
		Download(ctx context.Context, fileID string) (name string, content []byte, err error)
	}

	// SecretValue is a resolved secret.
	SecretValue struct {
		Value   string
		Version int
	}

	// Secrets resolves secret references. Implementations fail closed: a
	// missing key is an error, never an empty value.
	Secrets interface {
		Get(ctx context.Context, id string) (SecretValue, error)
	}

	// Artifact describes a produced artifact linked to the run.
	Artifact struct {
		Name         string
		MimeType     string
		Content      []byte
		Destinations []string
		Metadata     map[string]any
	}

	// Artifacts persists artifact records for the run.
	Artifacts interface {
		Upload(ctx context.Context, art Artifact) (string, error)
	}

	// Progress is a structured progress update emitted while an action runs.
	Progress struct {
		Message string
		Level   string
		Data    map[string]any
	}

	// ProgressFunc receives progress updates. Must not block.
	ProgressFunc func(Progress)

	// TraceAppender appends an explicit event to the run's trace.
	TraceAppender interface {
		Append(ctx context.Context, level, message string, data map[string]any) error
	}

	// HumanInputType discriminates pending human input requests.
	HumanInputType string

	// PendingHumanInput suspends the owning action until a human resolves it.
	PendingHumanInput struct {
		RequestID   string         `json:"requestId"`
		InputType   HumanInputType `json:"inputType"`
		Title       string         `json:"title"`
		Description string         `json:"description,omitempty"`
		ContextData map[string]any `json:"contextData,omitempty"`
		// Options lists the choices for selection requests.
		Options   []string   `json:"options,omitempty"`
		TimeoutAt *time.Time `json:"timeoutAt,omitempty"`
	}

	// Context is the capability bundle for one action execution.
	Context struct {
		RunID        string
		ComponentRef string
		// OrganizationID scopes storage and artifact access.
		OrganizationID string

		Logger    telemetry.Logger
		Storage   Storage
		Secrets   Secrets
		Artifacts Artifacts
		Trace     TraceAppender
		// HTTP is the outbound client for external-API components. Carries
		// timeout and retry semantics configured by the runner.
		HTTP *http.Client

		progress ProgressFunc
	}
)

const (
	InputApproval  HumanInputType = "approval"
	InputSelection HumanInputType = "selection"
)

// New builds a context with the mandatory identifiers and a logger. Remaining
// capabilities are attached by the executor through the With* methods.
func New(runID, componentRef string, logger telemetry.Logger) *Context {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Context{RunID: runID, ComponentRef: componentRef, Logger: logger}
}

// WithProgress attaches the progress emitter.
func (c *Context) WithProgress(fn ProgressFunc) *Context {
	c.progress = fn
	return c
}

// EmitProgress emits a NODE_PROGRESS trace event without blocking the
// component. Safe to call with a nil emitter.
func (c *Context) EmitProgress(p Progress) {
	if c.progress == nil {
		return
	}
	if p.Level == "" {
		p.Level = "info"
	}
	c.progress(p)
}

// RequireStorage returns the storage capability or a ConfigurationError.
func (c *Context) RequireStorage() (Storage, error) {
	if c.Storage == nil {
		return nil, missingCapability("storage")
	}
	return c.Storage, nil
}

// RequireSecrets returns the secrets capability or a ConfigurationError.
func (c *Context) RequireSecrets() (Secrets, error) {
	if c.Secrets == nil {
		return nil, missingCapability("secrets")
	}
	return c.Secrets, nil
}

// RequireArtifacts returns the artifacts capability or a ConfigurationError.
func (c *Context) RequireArtifacts() (Artifacts, error) {
	if c.Artifacts == nil {
		return nil, missingCapability("artifacts")
	}
	return c.Artifacts, nil
}

// RequireHTTP returns the outbound HTTP client or a ConfigurationError.
func (c *Context) RequireHTTP() (*http.Client, error) {
	if c.HTTP == nil {
		return nil, missingCapability("http")
	}
	return c.HTTP, nil
}

func missingCapability(key string) error {
	return rferr.Newf(rferr.KindConfiguration, "capability %q not configured", key).
		WithField("configKey", key)
}
