package sandbox

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultManifestGlobs match the build descriptors of supported stacks.
var DefaultManifestGlobs = []string{"**/pom.xml", "**/build.gradle", "**/package.json", "**/go.mod"}

// ManifestMatcher recognises build manifests by path.
type ManifestMatcher struct {
	globs []string
}

// NewManifestMatcher validates globs. Invalid patterns are dropped; an empty
// set falls back to the defaults.
func NewManifestMatcher(globs []string) *ManifestMatcher {
	valid := make([]string, 0, len(globs))
	for _, g := range globs {
		if doublestar.ValidatePattern(g) {
			valid = append(valid, g)
		}
	}
	if len(valid) == 0 {
		valid = DefaultManifestGlobs
	}
	return &ManifestMatcher{globs: valid}
}

// IsManifest reports whether path is a build manifest.
func (m *ManifestMatcher) IsManifest(path string) bool {
	path = strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "./")
	for _, g := range m.globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}
