package compiler

import (
	"fmt"
	"strings"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
)

// systemPrompt defines the compiler's role for every phase. The plan
// schema is embedded verbatim so the provider sees the exact shape the
// validator will enforce on its reply.
func systemPrompt() string {
	var b strings.Builder

	b.WriteString(`You are the attack-plan compiler for a security testing orchestrator running against an authorized test target.

You analyze captured HTTP traffic and prior plans and produce structured attack plans. Every reply is validated against a JSON schema before anything acts on it; invalid output wastes an attempt.

You must:
1. Ground every opportunity in something actually observed in the provided context (no invented endpoints, parameters, or credentials)
2. Give every opportunity exactly one executable action of type http_request, shell_command, or regex_match
3. Name outputs an action yields with short snake_case labels in produces, and reference them from later opportunities as output:<label> (in targets, URLs, bodies, header values, command arguments, or regex scopes)
4. Order opportunities so producers come before their consumers
5. Respond with a single JSON document and nothing else

`)
	b.WriteString("Your response must be valid JSON matching this schema:\n\n")
	b.WriteString(plan.Schema().String())
	b.WriteString("\n")

	return b.String()
}

// userPrompt builds the phase-specific context block the provider
// reasons over.
func userPrompt(phase plan.Phase, pctx PhaseContext) string {
	switch phase {
	case plan.PhaseCritic:
		return criticPrompt(pctx)
	case plan.PhaseRepair:
		return repairPrompt(pctx)
	default:
		return reconPrompt(pctx)
	}
}

// reconPrompt asks for the initial plan over raw captured traffic.
func reconPrompt(pctx PhaseContext) string {
	var b strings.Builder

	b.WriteString("## Task\n\n")
	b.WriteString("Analyze the captured traffic below and produce the initial attack plan: every distinct weakness you can ground in an observed request or response, each with one concrete executable action.\n\n")

	writeTarget(&b, pctx)

	b.WriteString("## Captured Traffic\n\n")
	b.WriteString(pctx.Capture.Text())

	return b.String()
}

// criticPrompt asks for a refinement pass over the prior plan. Refined
// opportunities link back to their predecessors through revises so the
// graph records the reasoning lineage.
func criticPrompt(pctx PhaseContext) string {
	var b strings.Builder

	b.WriteString("## Task\n\n")
	b.WriteString("Critique and refine the prior attack plan below. Keep opportunities that hold up, sharpen weak ones, drop anything the traffic does not support, and add attack chains the first pass missed. When you refine an opportunity, set revises to the node id of the opportunity you are refining.\n\n")

	writeTarget(&b, pctx)

	b.WriteString("## Prior Plan\n\n")
	writePlan(&b, pctx.PriorPlan)

	if pctx.Capture != nil && len(pctx.Capture.Entries) > 0 {
		b.WriteString("## Captured Traffic\n\n")
		b.WriteString(pctx.Capture.Text())
	}

	return b.String()
}

// repairPrompt asks for targeted revisions of the failed nodes only.
func repairPrompt(pctx PhaseContext) string {
	var b strings.Builder

	b.WriteString("## Task\n\n")
	b.WriteString("The nodes listed under Failed Nodes executed but did not achieve their goal. Produce one revised opportunity per failed node that addresses why it failed. Each revision must set revises to the failed node's id. Do not restate opportunities you are not revising.\n\n")

	writeTarget(&b, pctx)

	b.WriteString("## Failed Nodes\n\n")
	for _, failure := range pctx.Failures {
		fmt.Fprintf(&b, "- %s (%s): %s\n", failure.NodeID, failure.Name, failure.Detail)
	}
	b.WriteString("\n")

	b.WriteString("## Prior Plan\n\n")
	writePlan(&b, pctx.PriorPlan)

	return b.String()
}

// writeTarget renders the target block shared by all phases.
func writeTarget(b *strings.Builder, pctx PhaseContext) {
	b.WriteString("## Target\n\n")
	fmt.Fprintf(b, "- Profile: %s\n", pctx.Target)
	if pctx.BaseURL != "" {
		fmt.Fprintf(b, "- Base URL: %s\n", pctx.BaseURL)
	}
	b.WriteString("\n")
}

// writePlan renders a prior plan with each opportunity's stable node id,
// which is what revises must reference.
func writePlan(b *strings.Builder, p *plan.AttackPlan) {
	for i, opp := range p.Opportunities {
		fmt.Fprintf(b, "### Opportunity %d (node id: %s)\n\n", i+1, opp.NodeID())
		fmt.Fprintf(b, "- Observation: %s\n", opp.Observation)
		fmt.Fprintf(b, "- Suspected gap: %s\n", opp.SuspectedGap)
		fmt.Fprintf(b, "- Exploit: %s\n", opp.Exploit)
		fmt.Fprintf(b, "- Target: %s\n", opp.Target)
		fmt.Fprintf(b, "- Action: %s\n", describeAction(opp.Action))
		if len(opp.Produces) > 0 {
			fmt.Fprintf(b, "- Produces: %s\n", strings.Join(opp.Produces, ", "))
		}
		b.WriteString("\n")
	}
}

// describeAction renders an action compactly for prompt context. Unlike
// DisplayName it includes the request body and regex scope, which a
// critic needs to judge the action.
func describeAction(a plan.ExploitAction) string {
	switch a.Type {
	case graph.NodeTypeHTTPRequest:
		desc := fmt.Sprintf("%s %s", strings.ToUpper(a.Method), a.URL)
		if a.Body != "" {
			desc += " body=" + a.Body
		}
		return desc
	case graph.NodeTypeShellCommand:
		if len(a.Args) > 0 {
			return fmt.Sprintf("%s %s", a.Command, strings.Join(a.Args, " "))
		}
		return a.Command
	case graph.NodeTypeRegexMatch:
		return fmt.Sprintf("match %q against %s", a.Pattern, a.Scope)
	default:
		return a.Type.String()
	}
}

// correctivePrompt tells the provider exactly what the validator
// rejected so the single retry can fix it.
func correctivePrompt(violation error) string {
	var b strings.Builder
	b.WriteString("Your previous response failed validation: ")
	b.WriteString(violation.Error())
	b.WriteString("\n\nRespond again with a single JSON document that satisfies the schema. Do not include any text outside the JSON.")
	return b.String()
}
