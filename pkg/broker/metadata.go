package broker

import (
	"sort"
	"strings"

	"github.com/pyrunner/pyrunner/pkg/discovery"
	"github.com/pyrunner/pyrunner/pkg/toolserver"
)

// ToolSpec is one tool exposed by a tool server, as cached by the broker.
type ToolSpec struct {
	Name        string `json:"name"`
	Alias       string `json:"alias"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// ServerMetadata is the per-server cached bundle captured on first use.
// Once populated it is immutable for the remainder of the broker's
// process lifetime.
type ServerMetadata struct {
	Name  string     `json:"name"`
	Alias string     `json:"alias"`
	Tools []ToolSpec `json:"tools"`
}

// toolSpecsFrom converts a raw tools/list result into cached ToolSpecs,
// assigning per-tool aliases from the same sanitisation rule used for
// server names (collisions suffixed within one server's tool set).
func toolSpecsFrom(tools []toolserver.Tool) []ToolSpec {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	aliasOf := discovery.AliasTable(names)

	specs := make([]ToolSpec, len(tools))
	for i, t := range tools {
		var schema any
		if len(t.InputSchema) > 0 {
			schema = t.InputSchema
		}
		specs[i] = ToolSpec{
			Name:        t.Name,
			Alias:       aliasOf[t.Name],
			Description: t.Description,
			InputSchema: schema,
		}
	}
	return specs
}

// searchMatch is one ranked search_tool_docs result.
type searchMatch struct {
	Server string   `json:"server"`
	Tool   ToolSpec `json:"tool"`
	Score  int      `json:"-"`
}

// searchToolDocs ranks tools across the given server metadata set by
// substring and token-overlap relevance against query, returning the top
// limit matches. Only tool names and descriptions are matched (name
// matches weigh more); schema property names are not searched. A coarse
// relevance score lets results be ranked rather than returned in
// encounter order.
func searchToolDocs(servers []ServerMetadata, query string, limit int) []searchMatch {
	q := strings.ToLower(strings.TrimSpace(query))
	var matches []searchMatch

	for _, sm := range servers {
		for _, tool := range sm.Tools {
			score := scoreTool(tool, q)
			if q != "" && score == 0 {
				continue
			}
			matches = append(matches, searchMatch{Server: sm.Name, Tool: tool, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func scoreTool(tool ToolSpec, q string) int {
	if q == "" {
		return 1
	}
	name := strings.ToLower(tool.Name)
	desc := strings.ToLower(tool.Description)

	score := 0
	if name == q {
		score += 100
	} else if strings.Contains(name, q) {
		score += 50
	}
	if strings.Contains(desc, q) {
		score += 10
	}

	for _, token := range strings.Fields(q) {
		if strings.Contains(name, token) {
			score += 5
		}
		if strings.Contains(desc, token) {
			score += 2
		}
	}
	return score
}
