package frontier

import (
	"net/url"
	"strings"
	"sync"
	"unicode"
)

// RejectReason explains why a link was dropped. The empty reason means accepted.
type RejectReason string

const (
	Accepted         RejectReason = ""
	RejectMalformed  RejectReason = "malformed"
	RejectScheme     RejectReason = "scheme"
	RejectDomain     RejectReason = "domain"
	RejectPath       RejectReason = "path"
	RejectExtension  RejectReason = "extension"
	RejectCharacters RejectReason = "characters"
)

// DefaultDisallowedExtensions lists file types that are never worth fetching as pages
var DefaultDisallowedExtensions = []string{
	"css", "js", "bmp", "gif", "jpg", "jpeg", "ico", "png", "tif", "tiff",
	"mid", "mp2", "mp3", "mp4", "wav", "avi", "mov", "mpeg", "ram", "m4v",
	"mkv", "ogg", "ogv", "pdf", "ps", "eps", "tex", "ppt", "pptx", "doc",
	"docx", "xls", "xlsx", "names", "data", "dat", "exe", "bz2", "tar", "msi",
	"bin", "7z", "psd", "dmg", "iso", "epub", "dll", "cnf", "tgz", "sha1",
	"php", "thmx", "mso", "arff", "rtf", "jar", "csv", "xml", "rm", "smil",
	"wmv", "swf", "wma", "zip", "rar", "gz",
}

// DefaultDisallowedSegments lists path segments that mark crawler traps
var DefaultDisallowedSegments = []string{
	"wp-json", "wp-admin", "wp-content", "wp-includes", "calendar", "ical", "feed", "trackback",
}

// Canonicalizer turns raw link text into the absolute form used as a page identity.
// A canonical URL has no query and no fragment, and canonicalizing it again is a no-op.
type Canonicalizer struct {
	// RedirectParams are query parameters whose value is the real link target.
	RedirectParams []string
	Mutex          sync.RWMutex
}

// URLValidator decides whether a canonical URL is worth crawling
type URLValidator struct {
	AllowedSchemes       []string
	AllowedDomains       []string
	DisallowedExtensions map[string]struct{}
	DisallowedSegments   map[string]struct{}
	Mutex                sync.RWMutex
}

func NewCanonicalizer(redirectParams []string) *Canonicalizer {
	if redirectParams == nil {
		redirectParams = []string{"url"}
	}
	return &Canonicalizer{
		RedirectParams: redirectParams,
	}
}

func NewURLValidator() *URLValidator {
	return &URLValidator{
		AllowedSchemes:       []string{"http", "https"},
		AllowedDomains:       []string{},
		DisallowedExtensions: toSet(DefaultDisallowedExtensions),
		DisallowedSegments:   toSet(DefaultDisallowedSegments),
	}
}

// Canonicalize resolves rawLink against referrer (the canonical URL of the page the
// link was found on) and normalizes it. Malformed input yields RejectMalformed and
// never panics.
func (c *Canonicalizer) Canonicalize(rawLink, referrer string) (string, RejectReason) {
	c.Mutex.RLock()
	defer c.Mutex.RUnlock()

	link := strings.TrimSpace(rawLink)
	if link == "" {
		return "", RejectMalformed
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", RejectMalformed
	}

	// 1. Unwrap redirect wrappers such as /redirect?url=https://...
	if target, ok := c.redirectTarget(u); ok {
		u, err = url.Parse(strings.TrimSpace(target))
		if err != nil {
			return "", RejectMalformed
		}
	}

	// 2. Resolve against the referring page, which also removes dot segments
	base := u
	if referrer != "" {
		if ref, err := url.Parse(referrer); err == nil && ref.IsAbs() {
			base = ref
		}
	}
	if !base.IsAbs() {
		return "", RejectMalformed
	}
	u = base.ResolveReference(u)
	if u.Host == "" && u.Opaque == "" {
		return "", RejectMalformed
	}

	// 3. Drop query and fragment
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	// 4. Case and port normalization
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = RemoveDefaultPort(strings.ToLower(u.Host), u.Scheme)

	// 5. A path made only of slashes is the site root
	if strings.Trim(u.Path, "/") == "" {
		u.Path = ""
		u.RawPath = ""
	}

	return u.String(), Accepted
}

func (c *Canonicalizer) redirectTarget(u *url.URL) (string, bool) {
	if u.RawQuery == "" || len(c.RedirectParams) == 0 {
		return "", false
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil && len(query) == 0 {
		return "", false
	}
	for _, param := range c.RedirectParams {
		for _, value := range query[param] {
			if strings.TrimSpace(value) != "" {
				return value, true
			}
		}
	}
	return "", false
}

// Validate returns Accepted or the first rule the URL breaks
func (v *URLValidator) Validate(rawURL string) RejectReason {
	v.Mutex.RLock()
	defer v.Mutex.RUnlock()

	if rawURL == "" {
		return RejectMalformed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return RejectMalformed
	}

	// 1. Scheme validation
	if !v.validateScheme(u.Scheme) {
		return RejectScheme
	}

	// 2. Domain filtering
	if !v.validateDomain(u.Hostname()) {
		return RejectDomain
	}

	// 3. Per-segment path rules
	for _, segment := range strings.Split(u.EscapedPath(), "/") {
		if segment == "" {
			continue
		}
		lower := strings.ToLower(segment)
		if _, blocked := v.DisallowedSegments[lower]; blocked {
			return RejectPath
		}
		if ext := segmentExtension(lower); ext != "" {
			if _, blocked := v.DisallowedExtensions[ext]; blocked {
				return RejectExtension
			}
		}
		if !validSegment(segment) {
			return RejectCharacters
		}
	}

	return Accepted
}

// IsValid reports whether the URL passes every rule
func (v *URLValidator) IsValid(rawURL string) bool {
	return v.Validate(rawURL) == Accepted
}

func (v *URLValidator) ValidateScheme(scheme string) bool {
	v.Mutex.RLock()
	defer v.Mutex.RUnlock()
	return v.validateScheme(scheme)
}

func (v *URLValidator) ValidateDomain(host string) bool {
	v.Mutex.RLock()
	defer v.Mutex.RUnlock()
	return v.validateDomain(host)
}

// UpdateConfiguration swaps the filter lists in place
func (v *URLValidator) UpdateConfiguration(schemes, domains, extensions, segments []string) {
	v.Mutex.Lock()
	defer v.Mutex.Unlock()

	v.AllowedSchemes = schemes
	v.AllowedDomains = domains
	v.DisallowedExtensions = toSet(extensions)
	v.DisallowedSegments = toSet(segments)
}

func (v *URLValidator) validateScheme(scheme string) bool {
	if len(v.AllowedSchemes) == 0 {
		return true // No restrictions
	}
	for _, allowed := range v.AllowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func (v *URLValidator) validateDomain(host string) bool {
	if host == "" {
		return false
	}
	if len(v.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range v.AllowedDomains {
		allowed = strings.ToLower(strings.TrimPrefix(allowed, "."))
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// validSegment allows only [A-Za-z0-9_.~-] and needs at least one letter or digit
func validSegment(segment string) bool {
	hasAlnum := false
	for _, r := range segment {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			hasAlnum = true
		case r == '_' || r == '-' || r == '.' || r == '~':
		default:
			return false
		}
	}
	return hasAlnum
}

func segmentExtension(segment string) string {
	lastDot := strings.LastIndex(segment, ".")
	if lastDot <= 0 || lastDot == len(segment)-1 {
		return ""
	}
	return segment[lastDot+1:]
}

func RemoveDefaultPort(host, scheme string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[strings.ToLower(strings.TrimPrefix(value, "."))] = struct{}{}
	}
	return set
}
