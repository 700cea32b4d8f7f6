package composition

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

type GraphNode struct {
	Kind      schema.GroupKind `json:"kind"`
	Composite bool             `json:"composite"`
}

// GraphEdge means "From composes To" through the named template.
type GraphEdge struct {
	From     schema.GroupKind `json:"from"`
	To       schema.GroupKind `json:"to"`
	Template string           `json:"template"`
}

// Collision is a parent status field written by more than one template of the same rule.
// The last template in declaration order wins.
type Collision struct {
	Rule      string   `json:"rule"`
	Path      string   `json:"path"`
	Templates []string `json:"templates"`
}

type Graph struct {
	Nodes      []GraphNode `json:"nodes"`
	Edges      []GraphEdge `json:"edges"`
	Collisions []Collision `json:"collisions,omitempty"`
}

// Graph returns the composition graph of every rule in the set.
func (r *RuleSet) Graph() *Graph {
	g := &Graph{}
	nodes := map[schema.GroupKind]bool{}
	for _, rule := range r.Rules() {
		from := rule.Composite.GroupKind()
		nodes[from] = true

		writers := map[string][]string{}
		var order []string
		for _, tmpl := range rule.Templates {
			to := tmpl.Kind.GroupKind()
			if _, ok := nodes[to]; !ok {
				nodes[to] = false
			}
			g.Edges = append(g.Edges, GraphEdge{From: from, To: to, Template: tmpl.Name})

			for _, patch := range tmpl.ToParent {
				key := patch.To.String()
				if _, ok := writers[key]; !ok {
					order = append(order, key)
				}
				if w := writers[key]; len(w) == 0 || w[len(w)-1] != tmpl.Name {
					writers[key] = append(w, tmpl.Name)
				}
			}
		}
		for _, key := range order {
			if len(writers[key]) > 1 {
				g.Collisions = append(g.Collisions, Collision{Rule: rule.Name, Path: key, Templates: writers[key]})
			}
		}
	}

	for gk := range nodes {
		_, composite := r.Get(gk)
		g.Nodes = append(g.Nodes, GraphNode{Kind: gk, Composite: composite})
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].Kind.String() < g.Nodes[j].Kind.String() })
	return g
}

// DOT exports Graphviz DOT text.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph strata {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[schema.GroupKind]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.Kind] = alias
		shape := "box"
		if n.Composite {
			shape = "box3d"
		}
		fmt.Fprintf(&b, "  %s [label=\"%s\", shape=%s];\n", alias, escape(n.Kind.String()), shape)
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		fmt.Fprintf(&b, "  %s -> %s [label=\"%s\"];\n", from, to, escape(e.Template))
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases := make(map[schema.GroupKind]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.Kind] = alias
		if n.Composite {
			fmt.Fprintf(&b, "    %s[[\"%s\"]]\n", alias, escape(n.Kind.String()))
		} else {
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", alias, escape(n.Kind.String()))
		}
	}
	for _, e := range g.Edges {
		from, okFrom := aliases[e.From]
		to, okTo := aliases[e.To]
		if !okFrom || !okTo {
			continue
		}
		fmt.Fprintf(&b, "    %s -->|%s| %s\n", from, escape(e.Template), to)
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
