package plan

import "github.com/cybersharkvin/llmitm-v2-sub002/internal/schema"

// Schema returns the JSON schema that constrains reasoning output for
// every phase. It is serialized into the prompt and enforced on the
// response before the payload is decoded into an AttackPlan.
func Schema() schema.JSONSchema {
	actionField := schema.NewObjectField(
		"Structured executable form of the exploit",
		map[string]schema.SchemaField{
			"type": schema.NewStringField("Action type").
				WithEnum("http_request", "shell_command", "regex_match"),
			"method":  schema.NewStringField("HTTP method (http_request only)"),
			"url":     schema.NewStringField("Request URL (http_request only)"),
			"headers": schema.NewObjectField("Request headers (http_request only)", nil, nil),
			"body":    schema.NewStringField("Request body (http_request only)"),
			"command": schema.NewStringField("Command to run (shell_command only)"),
			"args": schema.NewArrayField("Command arguments (shell_command only)",
				schema.NewStringField("argument")),
			"pattern": schema.NewStringField("Regular expression (regex_match only)"),
			"scope":   schema.NewStringField("Data the pattern runs against (regex_match only)"),
		},
		[]string{"type"},
	)

	opportunityField := schema.NewObjectField(
		"One observed weakness and the action recommended to probe it",
		map[string]schema.SchemaField{
			"observation":   schema.NewStringField("What was observed in the captured traffic").WithMinLength(1),
			"suspected_gap": schema.NewStringField("The weakness the observation suggests").WithMinLength(1),
			"exploit":       schema.NewStringField("Human-readable recommended exploit").WithMinLength(1),
			"target":        schema.NewStringField("URL, host, or output:<label> reference the exploit acts on").WithMinLength(1),
			"reasoning":     schema.NewStringField("Why the exploit should work").WithMinLength(1),
			"recon_tool":    schema.NewStringField("Capture source or tool that surfaced the observation").WithMinLength(1),
			"action":        actionField,
			"produces": schema.NewArrayField("Output labels this action yields for downstream opportunities",
				schema.NewStringField("label")),
			"revises": schema.NewStringField("Node id of the predecessor opportunity this one refines"),
		},
		[]string{"observation", "suspected_gap", "exploit", "target", "reasoning", "recon_tool", "action"},
	)

	return schema.NewObjectSchema(
		map[string]schema.SchemaField{
			"opportunities": schema.NewArrayField("Ordered attack opportunities", opportunityField).
				WithMinItems(1),
		},
		[]string{"opportunities"},
	)
}
