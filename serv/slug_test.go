package serv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"/",
		"foo",
		"/foo",
		"foo/",
		"/foo/",
		"/foo/bar",
		"foo/bar/",
		"/foo/bar/",
		"/users/:id/orders",
		"/x-slash-y",
		"/-slash-",
		"/slash-foo",
		"/foo-slash",
		"/foo--bar",
		"/a-slash-b-slash-c",
	}
	for _, p := range cases {
		slug := PathToSlug(p)
		assert.Equal(t, p, SlugToPath(slug), "round trip for %q via slug %q", p, slug)
	}
}

func TestSlugSpecialCases(t *testing.T) {
	assert.Equal(t, "empty", PathToSlug(""))
	assert.Equal(t, "slash", PathToSlug("/"))
	assert.Equal(t, "", SlugToPath("empty"))
	assert.Equal(t, "/", SlugToPath("slash"))
}

func TestSlugEncodesInternalSlashes(t *testing.T) {
	assert.Equal(t, "foo~bar", PathToSlug("foo/bar"))
	assert.Equal(t, "~foo~bar", PathToSlug("/foo/bar"))
	assert.Equal(t, "foo~bar~", PathToSlug("foo/bar/"))
}

// TestSlugPreservesLiteralMarkerSubstring guards against a prior bug
// where a word-based separator marker ("-slash-") was confused with a
// path segment that happened to contain that literal substring.
func TestSlugPreservesLiteralMarkerSubstring(t *testing.T) {
	assert.Equal(t, "/x-slash-y", SlugToPath(PathToSlug("/x-slash-y")))
	assert.NotEqual(t, "/x/y", SlugToPath(PathToSlug("/x-slash-y")))
}
