package components

import "github.com/reconflow/reconflow/component"

// subfinder enumerates subdomains in a run-scoped container. The image wraps
// the upstream tool with the platform contract: input from
// /workspace/input.json, JSON results on stdout.
func subfinder() component.Definition {
	return component.Definition{
		ID:          "recon.subfinder",
		Label:       "Subdomain enumeration",
		Category:    "recon",
		Description: "Enumerates subdomains of a target domain.",
		Runner: component.Runner{
			Kind: component.RunnerContainer,
			Container: &component.ContainerRunner{
				Image:      "reconflow/subfinder:1.2",
				Network:    "bridge",
				TimeoutSec: 600,
				Shell:      true,
			},
		},
		Inputs: []component.Port{
			{ID: "domain", Label: "Domain", Binding: component.BindingAction,
				Type: component.Primitive(component.PrimitiveText), Required: true},
		},
		Parameters: []component.Port{
			{ID: "recursive", Binding: component.BindingConfig,
				Type: component.Primitive(component.PrimitiveBoolean), Default: false},
			{ID: "max_results", Binding: component.BindingConfig,
				Type: component.Primitive(component.PrimitiveNumber), Default: 1000.0},
		},
		Outputs: []component.Port{
			{ID: "subdomains", Binding: component.BindingAction,
				Type: component.List(component.Primitive(component.PrimitiveText))},
		},
		Retry: component.RetryPolicy{
			MaxAttempts:            3,
			InitialIntervalSeconds: 5,
			BackoffCoefficient:     2,
			NonRetryableErrorKinds: []string{"ValidationError"},
		},
	}
}

// ipCheck queries the first-party IP reputation service. Exposed to agents;
// the provider parameter may be overridden per call, the API token never.
func ipCheck() component.Definition {
	return component.Definition{
		ID:          "net.ip_check",
		Label:       "IP reputation check",
		Category:    "net",
		Description: "Checks an IP address against reputation providers.",
		Runner: component.Runner{
			Kind: component.RunnerRemote,
			Remote: &component.RemoteRunner{
				Endpoint:      "https://tools.reconflow.internal/ip-check",
				AuthSecretRef: "ip_check_api_token",
			},
		},
		Inputs: []component.Port{
			{ID: "ip", Label: "IP address", Binding: component.BindingAction,
				Type: component.Primitive(component.PrimitiveText), Required: true},
			{ID: "api_token", Binding: component.BindingCredential,
				Type: component.Primitive(component.PrimitiveSecret)},
		},
		Parameters: []component.Port{
			{ID: "provider", Binding: component.BindingConfig,
				Type: component.Primitive(component.PrimitiveText), Default: "internal"},
		},
		Outputs: []component.Port{
			{ID: "reputation", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText)},
			{ID: "score", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveNumber)},
			{ID: "details", Binding: component.BindingAction, Type: component.Any()},
		},
		Retry: component.RetryPolicy{MaxAttempts: 3, InitialIntervalSeconds: 2, BackoffCoefficient: 2},
		AgentTool: &component.AgentTool{
			ToolName:     "ip_check",
			Description:  "Check the reputation of an IP address.",
			ExposeParams: []string{"provider"},
		},
	}
}
