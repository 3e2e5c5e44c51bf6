package wot

import "testing"

func TestPathWithinDirect(t *testing.T) {
	g := NewGraph()
	g.AddMember("a")
	g.AddMember("b")
	g.AddLink("a", "b")

	if !g.PathWithin("a", "b", 3, nil) {
		t.Fatal("expected a->b reachable")
	}
	if g.PathWithin("b", "a", 3, nil) {
		t.Fatal("did not expect b->a reachable without a link")
	}
}

func TestPathWithinMultiHop(t *testing.T) {
	g := NewGraph()
	for _, m := range []string{"a", "b", "c"} {
		g.AddMember(m)
	}
	g.AddLink("a", "b")
	g.AddLink("b", "c")

	if g.PathWithin("a", "c", 1, nil) {
		t.Fatal("a->c should not be reachable within 1 hop")
	}
	if !g.PathWithin("a", "c", 2, nil) {
		t.Fatal("a->c should be reachable within 2 hops")
	}
}

func TestPathWithinUsesExtraLinks(t *testing.T) {
	g := NewGraph()
	g.AddMember("a")
	g.AddMember("d")

	extra := ExtraLinks{"d": {"a"}}
	if !g.PathWithin("a", "d", 1, extra) {
		t.Fatal("expected extra link a->d to be honored")
	}
	if g.PathWithin("a", "d", 1, nil) {
		t.Fatal("did not expect reachability without the extra link")
	}
}

func TestNotReachedWithin(t *testing.T) {
	g := NewGraph()
	g.AddMember("a")
	g.AddMember("b")
	g.AddMember("c")
	g.AddLink("a", "b")

	missing := g.NotReachedWithin("a", []string{"b", "c"}, 3, nil)
	if len(missing) != 1 || missing[0] != "c" {
		t.Fatalf("expected only c unreached, got %v", missing)
	}
}

func TestLinksToSorted(t *testing.T) {
	g := NewGraph()
	g.AddLink("b", "target")
	g.AddLink("a", "target")
	g.AddLink("c", "target")

	got := g.LinksTo("target")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRemoveLink(t *testing.T) {
	g := NewGraph()
	g.AddLink("a", "b")
	g.RemoveLink("a", "b")
	if g.LinkCount("b") != 0 {
		t.Fatal("expected link count 0 after removal")
	}
	if g.PathWithin("a", "b", 3, nil) {
		t.Fatal("removed link should not be reachable")
	}
}
