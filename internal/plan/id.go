package plan

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
)

// NodeID derives the stable, content-addressable graph node id for the
// opportunity. The id format is {actionType}:{base64url(sha256(canonical)[:12])}.
//
// Derivation:
//  1. Collect the identifying properties for the action type (the fields
//     that define what the action does, not how it was reasoned about).
//  2. Build a canonical string: actionType:prop1=val1|prop2=val2 with
//     properties sorted by name.
//  3. Normalize values: strings lowercased and trimmed, slices and maps
//     JSON-marshaled.
//  4. SHA-256 the canonical string and base64url-encode the first 12
//     bytes without padding.
//
// The same logical opportunity always yields the same id, so recompiling
// identical traffic upserts existing nodes instead of duplicating them.
// Free-text fields (observation, reasoning) are deliberately excluded:
// two phrasings of the same action are the same node.
func (o AttackOpportunity) NodeID() string {
	canonical := canonicalString(o.Action.Type, identifyingProperties(o))
	hash := sha256.Sum256([]byte(canonical))
	encoded := base64.RawURLEncoding.EncodeToString(hash[:12])
	return fmt.Sprintf("%s:%s", o.Action.Type, encoded)
}

// identifyingProperties returns the properties that define the action's
// identity, keyed by name. Only executable content participates.
func identifyingProperties(o AttackOpportunity) map[string]any {
	props := map[string]any{
		"target": o.Target,
	}
	switch o.Action.Type {
	case graph.NodeTypeHTTPRequest:
		props["method"] = o.Action.Method
		props["url"] = o.Action.URL
		props["body"] = o.Action.Body
	case graph.NodeTypeShellCommand:
		props["command"] = o.Action.Command
		props["args"] = o.Action.Args
	case graph.NodeTypeRegexMatch:
		props["pattern"] = o.Action.Pattern
		props["scope"] = o.Action.Scope
	}
	return props
}

// canonicalString builds the hashed representation:
// actionType:prop1=val1|prop2=val2|... with property names sorted.
func canonicalString(actionType graph.NodeType, props map[string]any) string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%s", name, normalizeValue(props[name])))
	}
	return fmt.Sprintf("%s:%s", actionType, strings.Join(pairs, "|"))
}

// normalizeValue converts a property value to its canonical string form.
// Strings are lowercased and trimmed so cosmetic variation between
// compilations does not split one logical action into two nodes.
func normalizeValue(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%.6f", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
