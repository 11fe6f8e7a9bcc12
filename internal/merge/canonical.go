package merge

import (
	"net/url"
	"strings"
)

// tracking query parameters stripped during canonicalization.
var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"igshid": {},
	"mc_cid": {},
	"mc_eid": {},
}

func isTrackingParam(name string) bool {
	if strings.HasPrefix(strings.ToLower(name), "utm_") {
		return true
	}
	_, ok := trackingParams[strings.ToLower(name)]
	return ok
}

// CanonicalURL normalizes a URL into the primary dedup key: lower-cased
// scheme and host, default port stripped, fragment dropped, tracking params
// removed, trailing slash trimmed. Canonicalization is a fixed point:
// applying it to its own output changes nothing.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.User = nil

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if isTrackingParam(name) {
				q.Del(name)
			}
		}
		u.RawQuery = q.Encode()
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String()
}

// schemeKey identifies a URL ignoring its scheme, for the http->https
// upgrade pass.
func schemeKey(canonical string) (key string, isHTTP bool, ok bool) {
	switch {
	case strings.HasPrefix(canonical, "https://"):
		return canonical[len("https://"):], false, true
	case strings.HasPrefix(canonical, "http://"):
		return canonical[len("http://"):], true, true
	}
	return "", false, false
}

// upgradeSchemes maps each canonical URL to its https form when both the
// http and https variants were observed in the same batch.
func upgradeSchemes(canonicals []string) map[string]string {
	httpsSeen := make(map[string]struct{})
	for _, c := range canonicals {
		if key, isHTTP, ok := schemeKey(c); ok && !isHTTP {
			httpsSeen[key] = struct{}{}
		}
	}

	upgraded := make(map[string]string, len(canonicals))
	for _, c := range canonicals {
		key, isHTTP, ok := schemeKey(c)
		if ok && isHTTP {
			if _, both := httpsSeen[key]; both {
				upgraded[c] = "https://" + key
				continue
			}
		}
		upgraded[c] = c
	}
	return upgraded
}
