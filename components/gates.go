package components

import (
	"context"
	"time"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

// approvalGate suspends the run until a human approves or rejects. The
// decision envelope lands in the gate's output, so downstream nodes can branch
// on "approved".
func approvalGate() component.Definition {
	return component.Definition{
		ID:          "core.approval_gate",
		Label:       "Approval gate",
		Category:    "core",
		Description: "Pauses the workflow until a human approves or rejects.",
		Runner:      component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "context", Label: "Context", Binding: component.BindingAction, Type: component.Any()},
		},
		Parameters: []component.Port{
			{ID: "title", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveText), Required: true},
			{ID: "description", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveText)},
			{ID: "timeout_minutes", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveNumber)},
		},
		Outputs: []component.Port{
			{ID: "approved", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveBoolean)},
			{ID: "context", Binding: component.BindingAction, Type: component.Any()},
		},
		Execute: func(_ context.Context, ec *execctx.Context, input map[string]any) (*component.Result, error) {
			title, err := stringInput(input, "title")
			if err != nil {
				return nil, err
			}
			pending := &execctx.PendingHumanInput{
				RequestID: fmtRequestID(ec, "approval"),
				InputType: execctx.InputApproval,
				Title:     title,
			}
			if desc, ok := input["description"].(string); ok {
				pending.Description = desc
			}
			if data, ok := input["context"].(map[string]any); ok {
				pending.ContextData = data
			}
			if deadline := timeoutAt(input); deadline != nil {
				pending.TimeoutAt = deadline
			}
			return &component.Result{
				Output:  map[string]any{"context": input["context"]},
				Pending: pending,
			}, nil
		},
	}
}

// manualSelect suspends the run until a human picks one of the configured
// options. The chosen value lands in the "selection" output.
func manualSelect() component.Definition {
	return component.Definition{
		ID:          "core.manual_select",
		Label:       "Manual select",
		Category:    "core",
		Description: "Pauses the workflow until a human picks one of the options.",
		Runner:      component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "options", Label: "Options", Binding: component.BindingAction,
				Type: component.List(component.Primitive(component.PrimitiveText))},
		},
		Parameters: []component.Port{
			{ID: "title", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveText), Required: true},
			{ID: "timeout_minutes", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveNumber)},
		},
		Outputs: []component.Port{
			{ID: "selection", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText)},
		},
		Execute: func(_ context.Context, ec *execctx.Context, input map[string]any) (*component.Result, error) {
			title, err := stringInput(input, "title")
			if err != nil {
				return nil, err
			}
			options := stringList(input["options"])
			if len(options) == 0 {
				return nil, rferr.New(rferr.KindValidation, "at least one option is required").
					WithField("inputId", "options")
			}
			pending := &execctx.PendingHumanInput{
				RequestID: fmtRequestID(ec, "selection"),
				InputType: execctx.InputSelection,
				Title:     title,
				Options:   options,
			}
			if deadline := timeoutAt(input); deadline != nil {
				pending.TimeoutAt = deadline
			}
			return &component.Result{Pending: pending}, nil
		},
	}
}

func timeoutAt(input map[string]any) *time.Time {
	minutes, ok := input["timeout_minutes"].(float64)
	if !ok || minutes <= 0 {
		return nil
	}
	at := time.Now().UTC().Add(time.Duration(minutes * float64(time.Minute)))
	return &at
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
