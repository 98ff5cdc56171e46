package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// GenerateMermaid produces a Mermaid flowchart from a lineage subgraph.
// It applies semantic styling:
// - Subject artifact: ((Circle))
// - Ancestors / descendants: [Rectangle]
// Lifecycle state decorates the node label, and edges point from parent to
// child (data flow direction).
func GenerateMermaid(subject *domain.Artifact, lineage *domain.Lineage) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	byID := make(map[string]*domain.Artifact, 1+len(lineage.Ancestors)+len(lineage.Descendants))
	var ordered []*domain.Artifact
	add := func(a *domain.Artifact) {
		if _, ok := byID[a.ArtifactID]; ok {
			return
		}
		byID[a.ArtifactID] = a
		ordered = append(ordered, a)
	}
	for _, a := range lineage.Ancestors {
		add(a)
	}
	add(subject)
	for _, a := range lineage.Descendants {
		add(a)
	}

	for _, a := range ordered {
		safeID := sanitizeMermaidID(a.ArtifactID)

		opener, closer := "[", "]"
		if a.ArtifactID == subject.ArtifactID {
			opener, closer = "((", "))" // Circle for the subject
		}

		sb.WriteString(fmt.Sprintf("    %s%s\"%s <br/> %s: %s\"%s\n",
			safeID, opener, a.ArtifactID, a.Type, a.Lifecycle, closer))
	}

	// Edges second, so every endpoint is already declared with its label.
	for _, a := range ordered {
		for _, parent := range a.Parents {
			if _, ok := byID[parent]; !ok {
				continue
			}
			sb.WriteString(fmt.Sprintf("    %s --> %s\n",
				sanitizeMermaidID(parent), sanitizeMermaidID(a.ArtifactID)))
		}
	}

	// Highlight the subject artifact.
	sb.WriteString("\n    classDef subject fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
	sb.WriteString(fmt.Sprintf("    class %s subject;\n", sanitizeMermaidID(subject.ArtifactID)))

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
