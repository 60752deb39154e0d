package navwarm

import "net/url"

// NormalizeKey reduces a link target to its cache key: path plus query
// plus fragment, with scheme and host dropped. An unparseable target is
// returned as-is.
func NormalizeKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		key += "#" + u.Fragment
	}
	return key
}
