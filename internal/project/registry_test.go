package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/perch/internal/engine"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(t.TempDir(), "test", &engine.Fake{}, nil, nil)
}

func projectDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return dir
}

func TestAddDerivesSlugFromPath(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	c, err := r.Add(projectDir(t, "My App"), "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if c.Slug != "my-app" {
		t.Errorf("slug = %q", c.Slug)
	}
	if c.Manager == nil || c.Bridge == nil || c.Hub == nil {
		t.Error("context not fully assembled")
	}
	if c.Manager.Active() == nil {
		t.Error("no active session after bring-up")
	}
}

func TestAddIsIdempotentByPath(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	dir := projectDir(t, "proj")
	first, err := r.Add(dir, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := r.Add(dir, "", "")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if first != second {
		t.Error("re-add built a second context")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d", r.Len())
	}
}

func TestAddDisambiguatesSlugCollisions(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	a, err := r.Add(projectDir(t, "api"), "", "")
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	b, err := r.Add(projectDir(t, "api"), "", "")
	if err != nil {
		t.Fatalf("add b: %v", err)
	}
	if a.Slug != "api" || b.Slug != "api-2" {
		t.Errorf("slugs = %q, %q", a.Slug, b.Slug)
	}
}

func TestAddRejectsDuplicateExplicitSlug(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	if _, err := r.Add(projectDir(t, "one"), "pinned", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Add(projectDir(t, "two"), "pinned", ""); err == nil {
		t.Fatal("duplicate slug accepted")
	}
}

func TestFindBySlugAndPath(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	dir := projectDir(t, "findme")
	c, err := r.Add(dir, "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if r.Find("findme") != c {
		t.Error("not found by slug")
	}
	if r.Find(dir) != c {
		t.Error("not found by path")
	}
	if r.Find("nothing") != nil {
		t.Error("phantom project found")
	}
}

func TestRemoveKeepsLogsOnDisk(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(base, "test", &engine.Fake{}, nil, nil)
	defer r.Close()

	c, err := r.Add(projectDir(t, "proj"), "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	slug := c.Slug

	if !r.Remove(slug) {
		t.Fatal("remove failed")
	}
	if r.Remove(slug) {
		t.Error("second remove succeeded")
	}
	if r.Get(slug) != nil {
		t.Error("context still registered")
	}

	// The session directory survives removal so a re-add restores history.
	if _, err := os.Stat(filepath.Join(base, "sessions", slug)); err != nil {
		t.Errorf("session dir gone: %v", err)
	}
}

func TestListSortedBySlug(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	for _, name := range []string{"zebra", "alpha", "mango"} {
		if _, err := r.Add(projectDir(t, name), "", ""); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].Slug != "alpha" || list[1].Slug != "mango" || list[2].Slug != "zebra" {
		for _, c := range list {
			t.Logf("slug %s", c.Slug)
		}
		t.Error("list not sorted")
	}
}

func TestSetTitle(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	c, err := r.Add(projectDir(t, "proj"), "", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !r.SetTitle(c.Slug, "Shiny") {
		t.Fatal("set title failed")
	}
	if c.Title != "Shiny" {
		t.Errorf("title = %q", c.Title)
	}
	if r.SetTitle("ghost", "x") {
		t.Error("set title on unknown slug succeeded")
	}
}
