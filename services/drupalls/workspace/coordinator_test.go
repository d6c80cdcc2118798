// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DrupalLS/services/drupalls/extract"
	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
	"github.com/AleutianAI/DrupalLS/services/drupalls/resolve"
)

type recordingReporter struct {
	mu    sync.Mutex
	calls map[string][][]Diagnostic
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{calls: make(map[string][][]Diagnostic)}
}

func (r *recordingReporter) Report(path string, diags []Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[path] = append(r.calls[path], diags)
}

func (r *recordingReporter) last(path string) ([]Diagnostic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls[path]
	if len(calls) == 0 {
		return nil, false
	}
	return calls[len(calls)-1], true
}

type fakeResolver struct {
	mu          sync.Mutex
	locations   map[string]resolve.Location
	invalidated []string
}

func (f *fakeResolver) Resolve(_ context.Context, fqcn string) (resolve.Location, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.locations[fqcn]
	return loc, ok
}

func (f *fakeResolver) InvalidatePath(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, path)
	return 0
}

func newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	c := New("/ws", extract.DefaultRegistry(), &fakeResolver{}, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func servicesYAML(entries ...string) []byte {
	var b strings.Builder
	b.WriteString("services:\n")
	for _, e := range entries {
		id, class, _ := strings.Cut(e, "=")
		fmt.Fprintf(&b, "  %s:\n    class: %s\n", id, class)
	}
	return []byte(b.String())
}

func getService(c *Coordinator, key string) (facts.Fact, bool) {
	var f facts.Fact
	var ok bool
	c.Read(func(s Snapshot) { f, ok = s.Get(facts.KindService, key) })
	return f, ok
}

func TestApplyChange_IndexesServicesAndParameters(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	content := []byte("parameters:\n  app.root: /var/www\nservices:\n  logger.factory:\n    class: Drupal\\Core\\Logger\\LoggerChannelFactory\n")
	require.NoError(t, c.ApplyChange(ctx, "/ws/core/core.services.yml", content))

	f, ok := getService(c, "logger.factory")
	require.True(t, ok)
	assert.Equal(t, "/ws/core/core.services.yml", f.Path)
	assert.Equal(t, 4, f.Line)
	assert.Equal(t, facts.Fingerprint(content), f.Fingerprint)

	c.Read(func(s Snapshot) {
		p, ok := s.Get(facts.KindParameter, "app.root")
		require.True(t, ok)
		assert.Equal(t, "/var/www", p.StringAttr("value"))

		contrib, ok := s.Contribution("/ws/core/core.services.yml")
		require.True(t, ok)
		assert.Equal(t, []string{"logger.factory"}, contrib.Keys[facts.KindService])
		assert.Equal(t, []string{"app.root"}, contrib.Keys[facts.KindParameter])
	})
}

func TestApplyChange_IgnoresUnhandledFiles(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.ApplyChange(context.Background(), "/ws/README.md", []byte("# hi")))
	assert.Equal(t, 0, c.Stats().Files)
}

func TestApplyChange_SupersessionAndRestore(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML(`logger.factory=A`)))
	require.NoError(t, c.ApplyChange(ctx, "/ws/b.services.yml", servicesYAML(`logger.factory=B`)))

	f, ok := getService(c, "logger.factory")
	require.True(t, ok)
	assert.Equal(t, "/ws/b.services.yml", f.Path)

	c.Read(func(s Snapshot) {
		sups := s.Supersessions(facts.KindService)
		require.Len(t, sups, 1)
		assert.Equal(t, "/ws/a.services.yml", sups[0].Previous.Path)
		assert.Equal(t, "/ws/b.services.yml", sups[0].Current.Path)
	})

	require.NoError(t, c.ApplyDelete(ctx, "/ws/b.services.yml"))
	f, ok = getService(c, "logger.factory")
	require.True(t, ok, "shadowed declaration must become effective again")
	assert.Equal(t, "/ws/a.services.yml", f.Path)
	assert.Equal(t, "A", f.StringAttr("class"))
}

func TestApplyChange_DeletingSupersededFileKeepsWinner(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML(`k=A`)))
	require.NoError(t, c.ApplyChange(ctx, "/ws/b.services.yml", servicesYAML(`k=B`)))
	require.NoError(t, c.ApplyDelete(ctx, "/ws/a.services.yml"))

	f, ok := getService(c, "k")
	require.True(t, ok)
	assert.Equal(t, "/ws/b.services.yml", f.Path)
}

func TestApplyDelete_RemovesAllKeys(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyChange(ctx, "/ws/m.services.yml", servicesYAML("x=X", "y=Y")))
	require.NoError(t, c.ApplyDelete(ctx, "/ws/m.services.yml"))

	for _, key := range []string{"x", "y"} {
		_, ok := getService(c, key)
		assert.False(t, ok, key)
	}
	c.Read(func(s Snapshot) {
		_, ok := s.Contribution("/ws/m.services.yml")
		assert.False(t, ok)
	})

	// Idempotent.
	require.NoError(t, c.ApplyDelete(ctx, "/ws/m.services.yml"))
	require.NoError(t, c.ApplyDelete(ctx, "/ws/never.services.yml"))
}

func TestApplyDelete_Directory(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyChange(ctx, "/ws/modules/foo/foo.services.yml", servicesYAML("foo.a=A")))
	require.NoError(t, c.ApplyChange(ctx, "/ws/modules/foobar/foobar.services.yml", servicesYAML("foobar.a=A")))
	require.NoError(t, c.ApplyDelete(ctx, "/ws/modules/foo"))

	_, ok := getService(c, "foo.a")
	assert.False(t, ok)
	_, ok = getService(c, "foobar.a")
	assert.True(t, ok, "sibling with a shared name prefix must survive")
}

func TestApplyDelete_InvalidatesResolver(t *testing.T) {
	res := &fakeResolver{}
	c := New("/ws", extract.DefaultRegistry(), res)
	require.NoError(t, c.ApplyDelete(context.Background(), "/ws/modules/foo/src/Foo.php"))
	assert.Equal(t, []string{"/ws/modules/foo/src/Foo.php"}, res.invalidated)
}

func TestApplyChange_InvalidatesResolver(t *testing.T) {
	res := &fakeResolver{}
	c := New("/ws", extract.DefaultRegistry(), res)
	path := "/ws/modules/foo/src/Foo.php"

	require.NoError(t, c.ApplyChange(context.Background(), path,
		[]byte("<?php\nnamespace Drupal\\foo;\n\nclass Foo {}\n")))
	assert.Equal(t, []string{path}, res.invalidated)
}

func TestApplyChange_RefreshesResolvedDeclarationLine(t *testing.T) {
	root := t.TempDir()
	res, err := resolve.New(resolve.DefaultConfig(root))
	require.NoError(t, err)
	c := New(root, extract.DefaultRegistry(), res)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	path := filepath.Join(root, "core", "lib", "Drupal", "Core", "Logger", "Factory.php")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, c.ApplyChange(ctx, path, []byte(content)))
	}

	write("<?php\nnamespace Drupal\\Core\\Logger;\nclass Factory {}\n")
	loc, ok := c.ResolveClassLocation(ctx, `Drupal\Core\Logger\Factory`)
	require.True(t, ok)
	assert.Equal(t, path, loc.Path)
	assert.Equal(t, 3, loc.Line)

	write("<?php\nnamespace Drupal\\Core\\Logger;\n\nuse Psr\\Log\\LoggerInterface;\n\n/**\n * Creates channels.\n */\nclass Factory {}\n")
	loc, ok = c.ResolveClassLocation(ctx, `Drupal\Core\Logger\Factory`)
	require.True(t, ok)
	assert.Equal(t, 9, loc.Line, "the cached line must follow the edit")
}

func TestApplyChange_RemovesKeysNoLongerDeclared(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyChange(ctx, "/ws/m.services.yml", servicesYAML("x=X", "y=Y")))
	require.NoError(t, c.ApplyChange(ctx, "/ws/m.services.yml", servicesYAML("y=Y2", "z=Z")))

	_, ok := getService(c, "x")
	assert.False(t, ok)
	y, ok := getService(c, "y")
	require.True(t, ok)
	assert.Equal(t, "Y2", y.StringAttr("class"))
	_, ok = getService(c, "z")
	assert.True(t, ok)
}

func TestApplyChange_MalformedKeepsPreviousFacts(t *testing.T) {
	rep := newRecordingReporter()
	c := newCoordinator(t, WithReporter(rep))
	ctx := context.Background()
	path := "/ws/m.services.yml"

	require.NoError(t, c.ApplyChange(ctx, path, servicesYAML("x=X")))
	_, reported := rep.last(path)
	assert.False(t, reported, "clean files without earlier diagnostics are not reported")

	err := c.ApplyChange(ctx, path, []byte("services:\n  x:\n    class: [unclosed\n"))
	require.NoError(t, err, "parse failures are reported, not returned")

	f, ok := getService(c, "x")
	require.True(t, ok)
	assert.Equal(t, "X", f.StringAttr("class"))

	diags, reported := rep.last(path)
	require.True(t, reported)
	require.NotEmpty(t, diags)
	assert.Equal(t, SeverityError, diags[0].Severity)
	assert.Equal(t, path, diags[0].Path)
	assert.Equal(t, 1, c.Stats().FilesInError)
	assert.GreaterOrEqual(t, c.Stats().ParseFailures, int64(1))

	require.NoError(t, c.ApplyChange(ctx, path, servicesYAML("x=X2")))
	diags, _ = rep.last(path)
	assert.Empty(t, diags, "a successful parse clears diagnostics")
	f, _ = getService(c, "x")
	assert.Equal(t, "X2", f.StringAttr("class"))
	assert.Equal(t, 0, c.Stats().FilesInError)
}

func TestApplyChange_MalformedNewFileContributesNothing(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.ApplyChange(context.Background(), "/ws/bad.services.yml", []byte("services: [")))

	c.Read(func(s Snapshot) {
		assert.Equal(t, 0, s.Len(facts.KindService))
		contrib, ok := s.Contribution("/ws/bad.services.yml")
		require.True(t, ok)
		assert.Empty(t, contrib.Fingerprint)
		assert.NotEmpty(t, contrib.Diagnostics)
	})
}

func TestApplyChange_Idempotent(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	content := servicesYAML("x=X", "y=Y")

	require.NoError(t, c.ApplyChange(ctx, "/ws/m.services.yml", content))
	before := c.Stats()
	var beforeAll []facts.Fact
	c.Read(func(s Snapshot) { beforeAll = s.Search(facts.KindService, "", 0) })

	require.NoError(t, c.ApplyChange(ctx, "/ws/m.services.yml", content))
	after := c.Stats()
	var afterAll []facts.Fact
	c.Read(func(s Snapshot) { afterAll = s.Search(facts.KindService, "", 0) })

	assert.Equal(t, before.Changes, after.Changes)
	assert.Equal(t, beforeAll, afterAll)
	assert.Equal(t, before.Stores[facts.KindService], after.Stores[facts.KindService])
}

func TestApplyChange_ClassFacts(t *testing.T) {
	c := newCoordinator(t)
	src := "<?php\nnamespace Drupal\\foo;\n\nclass Bar {}\n"
	require.NoError(t, c.ApplyChange(context.Background(), "/ws/modules/foo/src/Bar.php", []byte(src)))

	c.Read(func(s Snapshot) {
		f, ok := s.Get(facts.KindClass, `Drupal\foo\Bar`)
		require.True(t, ok)
		assert.Equal(t, 4, f.Line)
	})
}

func TestApplyChange_ReadersSeeWholeFileUpdates(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	path := "/ws/m.services.yml"

	gen := func(prefix string) []byte {
		entries := make([]string, 20)
		for i := range entries {
			entries[i] = fmt.Sprintf("%s.%02d=C", prefix, i)
		}
		return servicesYAML(entries...)
	}
	require.NoError(t, c.ApplyChange(ctx, path, gen("a")))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var torn error
	var tornOnce sync.Once
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c.Read(func(s Snapshot) {
					a, b := len(s.Search(facts.KindService, "a.", 100)), len(s.Search(facts.KindService, "b.", 100))
					if !((a == 20 && b == 0) || (a == 0 && b == 20)) {
						tornOnce.Do(func() { torn = fmt.Errorf("observed a=%d b=%d", a, b) })
					}
				})
			}
		}()
	}

	for i := 0; i < 20; i++ {
		prefix := "b"
		if i%2 == 1 {
			prefix = "a"
		}
		require.NoError(t, c.ApplyChange(ctx, path, gen(prefix)))
	}
	close(stop)
	wg.Wait()
	assert.NoError(t, torn)
}

func TestExportAndRestore(t *testing.T) {
	ctx := context.Background()
	src := newCoordinator(t)
	require.NoError(t, src.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML("x=X")))
	require.NoError(t, src.ApplyChange(ctx, "/ws/b.services.yml", servicesYAML("x=Y", "z=Z")))
	require.NoError(t, src.ApplyChange(ctx, "/ws/bad.services.yml", []byte("services: [")))

	exported := src.Export()
	require.Len(t, exported, 2, "files in error are not exported")
	assert.Equal(t, "/ws/a.services.yml", exported[0].Path)
	assert.Equal(t, "/ws/b.services.yml", exported[1].Path)

	dst := newCoordinator(t)
	for _, e := range exported {
		require.NoError(t, dst.Restore(e.Path, e.Fingerprint, e.Facts))
	}

	f, ok := getService(dst, "x")
	require.True(t, ok)
	assert.Equal(t, "/ws/b.services.yml", f.Path)
	_, ok = getService(dst, "z")
	assert.True(t, ok)

	// Restored fingerprints make identical content a no-op.
	before := dst.Stats().Changes
	require.NoError(t, dst.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML("x=X")))
	assert.Equal(t, before, dst.Stats().Changes)
}

func TestResolveClassLocation(t *testing.T) {
	res := &fakeResolver{locations: map[string]resolve.Location{
		`Drupal\foo\Bar`: {FQCN: `Drupal\foo\Bar`, Path: "/ws/modules/foo/src/Bar.php", Line: 4},
	}}
	c := New("/ws", extract.DefaultRegistry(), res)

	loc, ok := c.ResolveClassLocation(context.Background(), `Drupal\foo\Bar`)
	require.True(t, ok)
	assert.Equal(t, 4, loc.Line)

	_, ok = c.ResolveClassLocation(context.Background(), `Drupal\foo\Missing`)
	assert.False(t, ok)

	noResolver := New("/ws", extract.DefaultRegistry(), nil)
	_, ok = noResolver.ResolveClassLocation(context.Background(), `Drupal\foo\Bar`)
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	c := New("/ws", extract.DefaultRegistry(), nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	assert.True(t, errors.Is(c.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML("x=X")), ErrClosed))
	assert.True(t, errors.Is(c.ApplyDelete(ctx, "/ws/a.services.yml"), ErrClosed))
	assert.True(t, errors.Is(c.Restore("/ws/a.services.yml", "fp", nil), ErrClosed))
}

func TestApplyChange_CanceledContext(t *testing.T) {
	c := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML("x=X"))
	assert.True(t, errors.Is(err, context.Canceled))
	_, ok := getService(c, "x")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyChange(ctx, "/ws/a.services.yml", servicesYAML("x=X", "y=Y")))

	st := c.Stats()
	assert.Equal(t, c.ID().String(), st.WorkspaceID)
	assert.Equal(t, "/ws", st.Root)
	assert.Equal(t, 1, st.Files)
	assert.Equal(t, 2, st.Stores[facts.KindService].Keys)
	assert.Contains(t, st.Stores, facts.KindClass)
}
