package infra

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentinelkids/agent/internal/domain"
)

const nameCacheSize = 256

// systemPrefixes are package/process prefixes that are never user apps:
// system UI, launchers and OS core services.
var systemPrefixes = []string{
	"com.android.systemui",
	"com.android.launcher",
	"com.google.android.apps.nexuslauncher",
	"android",
	"system_server",
	"kworker",
	"systemd",
	"launchd",
	"WindowServer",
	"Dock",
	"Finder",
}

// AppCatalog implements domain.AppResolver. Display-name resolution is
// memoized in an LRU cache since the reconstructor asks for the same
// handful of packages over and over.
type AppCatalog struct {
	selfPackage string
	extraDeny   map[string]struct{}
	names       *lru.Cache[string, string]
}

// NewAppCatalog creates an app catalog. selfPackage is the agent's own
// identifier, which is never reported or blocked; extraDeny adds
// host-specific exclusions from configuration.
func NewAppCatalog(selfPackage string, extraDeny []string) *AppCatalog {
	deny := make(map[string]struct{}, len(extraDeny))
	for _, d := range extraDeny {
		deny[d] = struct{}{}
	}
	names, _ := lru.New[string, string](nameCacheSize)
	return &AppCatalog{
		selfPackage: selfPackage,
		extraDeny:   deny,
		names:       names,
	}
}

// IsUserApp reports whether pkg is a launchable user application.
func (c *AppCatalog) IsUserApp(pkg string) bool {
	if pkg == "" || pkg == c.selfPackage {
		return false
	}
	if _, denied := c.extraDeny[pkg]; denied {
		return false
	}
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return false
		}
	}
	return true
}

// DisplayName returns a human-readable name, falling back to pkg.
func (c *AppCatalog) DisplayName(pkg string) string {
	if name, ok := c.names.Get(pkg); ok {
		return name
	}
	name := prettify(pkg)
	c.names.Add(pkg, name)
	return name
}

// prettify derives a display name from a package identifier:
// "com.spotify.music" -> "Music", "firefox-bin" -> "Firefox".
func prettify(pkg string) string {
	name := pkg
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-bin")
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	if name == "" {
		return pkg
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

var _ domain.AppResolver = (*AppCatalog)(nil)
