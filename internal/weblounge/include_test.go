package weblounge

import (
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncludePositions(t *testing.T) {
	site := newFakeSite()
	// every other include is served from the cache
	coord := &recordingCoordinator{hit: func(n int) bool { return n%2 == 1 }}
	a := configuredAction(t, site, mustActionConfig(t, "/news"), nil, coord, "/news")

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, a.Include("teaser", nil))
	}

	assert.Equal(t, n, a.IncludeCount())
	require.Len(t, coord.begins, n)
	for k, tags := range coord.begins {
		assert.Equal(t, []string{strconv.Itoa(k)}, tags.Values(TagPosition), "include %d", k+1)
	}
	assert.EqualValues(t, 3, site.renderer("news", "teaser").calls.Load(), "only misses render")
	_, ends := coord.counts()
	assert.Equal(t, 3, ends, "only misses are ended")
}

func TestIncludeTagsMiss(t *testing.T) {
	site := newFakeSite()
	coord := &recordingCoordinator{}
	a := configuredAction(t, site, mustActionConfig(t, "/news"), nil, coord, "/news/a?b=2&a=1")

	require.NoError(t, a.Include("teaser", nil))

	require.Len(t, coord.begins, 1)
	want := []Tag{
		{"a", "1"},
		{TagAction, "list"},
		{"b", "2"},
		{TagLanguage, "en"},
		{TagModule, "news"},
		{TagParameters, "2"},
		{TagPosition, "0"},
		{TagSite, "main"},
		{TagURL, "/news/a"},
		{TagURL, "/news/a"},
		{TagUser, "guest"},
	}
	if diff := cmp.Diff(want, coord.begins[0].Tags()); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Tag{{TagRenderer, "teaser"}, {TagModule, "news"}}, coord.extra[0])
}

func TestIncludeUnresolvableRendererOpensNoBracket(t *testing.T) {
	tests := []struct {
		name    string
		include func(a *Action) error
	}{
		{
			name:    "unknown renderer",
			include: func(a *Action) error { return a.Include("missing", nil) },
		},
		{
			name:    "unknown module",
			include: func(a *Action) error { return a.IncludeFrom("nomodule", "teaser", nil) },
		},
		{
			name:    "nil renderer",
			include: func(a *Action) error { return a.IncludeRenderer(nil, nil, nil) },
		},
		{
			name: "renderer of unknown module",
			include: func(a *Action) error {
				return a.IncludeRenderer(nil, &fakeRenderer{id: "x", module: "gone"}, nil)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coord := &recordingCoordinator{}
			a := configuredAction(t, newFakeSite(), mustActionConfig(t, "/news"), nil, coord, "/news")

			err := tc.include(a)
			require.Error(t, err)
			var re *RenderingError
			assert.ErrorAs(t, err, &re)

			begins, ends := coord.counts()
			assert.Zero(t, begins)
			assert.Zero(t, ends)
			assert.Zero(t, a.IncludeCount())
		})
	}
}

func TestIncludeFailingRendererClosesBracket(t *testing.T) {
	site := newFakeSite()
	boom := errors.New("boom")
	r := site.renderer("news", "teaser")
	r.err = boom
	coord := &recordingCoordinator{}
	a := configuredAction(t, site, mustActionConfig(t, "/news"), nil, coord, "/news")

	err := a.Include("teaser", nil)
	require.ErrorIs(t, err, boom)

	begins, ends := coord.counts()
	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, ends)
	assert.Equal(t, 1, a.IncludeCount())
	assert.EqualValues(t, 1, r.cleanups.Load())
	assert.EqualValues(t, 1, site.modules["news"].(*fakeModule).returned.Load())
}
