package wot

import "sort"

// ExtraLinks is the {target → sources} shape the candidate block under
// validation contributes (spec.md §4.2), to be unioned with stored links
// for reachability checks without ever mutating the graph itself.
type ExtraLinks map[string][]string

// Graph holds the current member set and directed, non-obsolete
// certification links between them. Obsolete links are excluded entirely —
// they live only in the link store's history (spec.md §3 "Lifecycle").
type Graph struct {
	members  map[string]struct{}
	bySource map[string]map[string]bool // source -> set of targets
	byTarget map[string]map[string]bool // target -> set of sources
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		members:  make(map[string]struct{}),
		bySource: make(map[string]map[string]bool),
		byTarget: make(map[string]map[string]bool),
	}
}

// AddMember marks fpr as a current member.
func (g *Graph) AddMember(fpr string) { g.members[fpr] = struct{}{} }

// RemoveMember removes fpr from the current member set.
func (g *Graph) RemoveMember(fpr string) { delete(g.members, fpr) }

// IsMember reports whether fpr is a current member.
func (g *Graph) IsMember(fpr string) bool {
	_, ok := g.members[fpr]
	return ok
}

// Members returns the current member set, sorted ascending.
func (g *Graph) Members() []string {
	out := make([]string, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AddLink records a current, non-obsolete certification source -> target.
func (g *Graph) AddLink(source, target string) {
	if g.bySource[source] == nil {
		g.bySource[source] = make(map[string]bool)
	}
	g.bySource[source][target] = true
	if g.byTarget[target] == nil {
		g.byTarget[target] = make(map[string]bool)
	}
	g.byTarget[target][source] = true
}

// RemoveLink drops a link, e.g. once it becomes obsolete.
func (g *Graph) RemoveLink(source, target string) {
	delete(g.bySource[source], target)
	delete(g.byTarget[target], source)
}

// LinksTo returns the current, non-obsolete sources certifying target,
// sorted ascending.
func (g *Graph) LinksTo(target string) []string {
	set := g.byTarget[target]
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LinkCount returns the number of current, non-obsolete links to target.
func (g *Graph) LinkCount(target string) int {
	return len(g.byTarget[target])
}

// PathWithin reports whether dst is reachable from src within maxHops
// directed certification steps, using the union of stored links and extra.
// The BFS frontier is expanded in lexicographic source order at each hop so
// the result is deterministic regardless of map iteration order.
func (g *Graph) PathWithin(src, dst string, maxHops int, extra ExtraLinks) bool {
	inverted := invertExtra(extra)
	return g.pathWithin(src, dst, maxHops, inverted)
}

// NotReachedWithin returns the subset of candidates that src cannot reach
// within maxHops steps, sorted ascending. extra is inverted once up front so
// checking many candidates against the same block stays cheap.
func (g *Graph) NotReachedWithin(src string, candidates []string, maxHops int, extra ExtraLinks) []string {
	inverted := invertExtra(extra)
	cands := append([]string(nil), candidates...)
	sort.Strings(cands)

	var out []string
	for _, c := range cands {
		if c == src {
			continue
		}
		if !g.pathWithin(src, c, maxHops, inverted) {
			out = append(out, c)
		}
	}
	return out
}

func (g *Graph) pathWithin(src, dst string, maxHops int, inverted map[string][]string) bool {
	if src == dst {
		return true
	}
	frontier := []string{src}
	visited := map[string]bool{src: true}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, s := range frontier {
			for _, t := range g.outgoing(s, inverted) {
				if t == dst {
					return true
				}
				if !visited[t] {
					visited[t] = true
					next = append(next, t)
				}
			}
		}
		frontier = next
	}
	return false
}

// outgoing returns, in lexicographic order, every target source certifies —
// from stored links plus the pre-inverted extra map.
func (g *Graph) outgoing(source string, inverted map[string][]string) []string {
	set := make(map[string]bool)
	for t := range g.bySource[source] {
		set[t] = true
	}
	for _, t := range inverted[source] {
		set[t] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// invertExtra turns the {target -> sources} shape of ExtraLinks into
// {source -> targets} for forward traversal.
func invertExtra(extra ExtraLinks) map[string][]string {
	inverted := make(map[string][]string)
	targets := make([]string, 0, len(extra))
	for t := range extra {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, target := range targets {
		sources := append([]string(nil), extra[target]...)
		sort.Strings(sources)
		for _, s := range sources {
			inverted[s] = append(inverted[s], target)
		}
	}
	return inverted
}
