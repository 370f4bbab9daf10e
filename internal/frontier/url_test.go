package frontier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizer_Canonicalize(t *testing.T) {
	canonicalizer := NewCanonicalizer(nil)
	referrer := "https://www.ics.uci.edu/about/index.html"

	tests := []struct {
		name     string
		input    string
		expected string
		reason   RejectReason
	}{
		{
			name:     "drops fragment and query",
			input:    "https://www.ics.uci.edu/page?a=1#top",
			expected: "https://www.ics.uci.edu/page",
		},
		{
			name:     "resolves relative path",
			input:    "../people/faculty.html",
			expected: "https://www.ics.uci.edu/people/faculty.html",
		},
		{
			name:     "inherits scheme for protocol relative",
			input:    "//vision.ics.uci.edu/projects",
			expected: "https://vision.ics.uci.edu/projects",
		},
		{
			name:     "unwraps redirect parameter",
			input:    "/redirect?url=http%3A%2F%2Fstat.uci.edu%2Fseminars%3Fyear%3D2020",
			expected: "http://stat.uci.edu/seminars",
		},
		{
			name:     "ignores empty redirect parameter",
			input:    "/go?url=&x=1",
			expected: "https://www.ics.uci.edu/go",
		},
		{
			name:     "collapses slash-only path",
			input:    "https://ics.uci.edu///",
			expected: "https://ics.uci.edu",
		},
		{
			name:     "lowercases host and removes default port",
			input:    "HTTPS://WWW.ICS.UCI.EDU:443/Research",
			expected: "https://www.ics.uci.edu/Research",
		},
		{
			name:     "resolves dot segments",
			input:    "http://www.ics.uci.edu/a/./b/../c",
			expected: "http://www.ics.uci.edu/a/c",
		},
		{
			name:     "keeps trailing slash",
			input:    "https://www.ics.uci.edu/grad/",
			expected: "https://www.ics.uci.edu/grad/",
		},
		{
			name:   "empty link",
			input:  "   ",
			reason: RejectMalformed,
		},
		{
			name:   "unparseable link",
			input:  "http://[::1",
			reason: RejectMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, reason := canonicalizer.Canonicalize(tt.input, referrer)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestCanonicalizer_RelativeWithoutReferrer(t *testing.T) {
	canonicalizer := NewCanonicalizer(nil)

	result, reason := canonicalizer.Canonicalize("/people", "")
	assert.Equal(t, RejectMalformed, reason)
	assert.Empty(t, result)
}

func TestCanonicalizer_Idempotent(t *testing.T) {
	canonicalizer := NewCanonicalizer([]string{"url", "u"})
	referrer := "https://www.stat.uci.edu/news/"

	inputs := []string{
		"https://www.stat.uci.edu/",
		"https://www.stat.uci.edu//",
		"HTTP://Stat.UCI.edu:80/a/../b/c.html?x=1#frag",
		"relative/path/",
		"./",
		"../../up",
		"?u=https://cs.uci.edu/x?y=2",
		"/r?url=%2Finternal%2Fpage%3Fq%3D1",
		"https://www.stat.uci.edu/~user/page name",
		"https://www.stat.uci.edu/%7Euser/",
		"mailto:someone@uci.edu",
		"//informatics.uci.edu",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			once, reason := canonicalizer.Canonicalize(input, referrer)
			if reason != Accepted {
				return
			}
			twice, reason := canonicalizer.Canonicalize(once, referrer)
			assert.Equal(t, Accepted, reason)
			assert.Equal(t, once, twice)

			// Identity does not depend on where the canonical form is seen again
			elsewhere, _ := canonicalizer.Canonicalize(once, "https://ics.uci.edu/other/")
			assert.Equal(t, once, elsewhere)
		})
	}
}

func TestURLValidator_Validate(t *testing.T) {
	validator := NewURLValidator()
	validator.AllowedDomains = []string{"ics.uci.edu", "cs.uci.edu", "informatics.uci.edu", "stat.uci.edu"}

	tests := []struct {
		name     string
		url      string
		expected RejectReason
	}{
		{"bare allowed domain", "https://ics.uci.edu/page", Accepted},
		{"subdomain of allowed domain", "https://vision.ics.uci.edu/projects/index.html", Accepted},
		{"site root", "https://www.informatics.uci.edu", Accepted},
		{"tilde and underscore", "http://www.ics.uci.edu/~eppstein/junk_yard", Accepted},
		{"trap segment", "https://ics.uci.edu/wp-json/", RejectPath},
		{"trap segment case insensitive", "https://ics.uci.edu/Calendar/2020", RejectPath},
		{"pdf outside domain", "http://x.com/a.pdf", RejectDomain},
		{"pdf in domain", "https://www.ics.uci.edu/papers/a.PDF", RejectExtension},
		{"extension inside path", "https://www.ics.uci.edu/files.zip/readme", RejectExtension},
		{"non http scheme", "ftp://ics.uci.edu/file", RejectScheme},
		{"mailto", "mailto:someone@uci.edu", RejectScheme},
		{"lookalike domain", "https://notics.uci.edu.evil.com/", RejectDomain},
		{"suffix without dot boundary", "https://physics.uci.edu/", RejectDomain},
		{"encoded space", "https://www.ics.uci.edu/page%20one", RejectCharacters},
		{"punctuation only segment", "https://www.ics.uci.edu/---/x", RejectCharacters},
		{"empty", "", RejectMalformed},
		{"unparseable", "http://[::1", RejectMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, validator.Validate(tt.url))
			assert.Equal(t, tt.expected == Accepted, validator.IsValid(tt.url))
		})
	}
}

func TestURLValidator_NoDomainRestriction(t *testing.T) {
	validator := NewURLValidator()
	assert.True(t, validator.IsValid("https://example.com/page"))
}

func TestURLValidator_UpdateConfiguration(t *testing.T) {
	validator := NewURLValidator()
	validator.UpdateConfiguration([]string{"https"}, []string{"stat.uci.edu"}, []string{".txt"}, []string{"private"})

	assert.Equal(t, RejectScheme, validator.Validate("http://www.stat.uci.edu/"))
	assert.Equal(t, RejectExtension, validator.Validate("https://www.stat.uci.edu/notes.txt"))
	assert.Equal(t, RejectPath, validator.Validate("https://www.stat.uci.edu/private/x"))
	assert.Equal(t, Accepted, validator.Validate("https://www.stat.uci.edu/data.pdf"))
}

func TestURLValidator_ValidateScheme(t *testing.T) {
	validator := NewURLValidator()

	assert.True(t, validator.ValidateScheme("http"))
	assert.True(t, validator.ValidateScheme("HTTPS"))
	assert.False(t, validator.ValidateScheme("ftp"))
	assert.False(t, validator.ValidateScheme(""))
}

func TestURLValidator_ValidateDomain(t *testing.T) {
	validator := NewURLValidator()
	validator.AllowedDomains = []string{".cs.uci.edu"}

	assert.True(t, validator.ValidateDomain("cs.uci.edu"))
	assert.True(t, validator.ValidateDomain("WWW.CS.UCI.EDU"))
	assert.False(t, validator.ValidateDomain("ics.uci.edu"))
	assert.False(t, validator.ValidateDomain(""))
}

func TestRemoveDefaultPort(t *testing.T) {
	assert.Equal(t, "a.edu", RemoveDefaultPort("a.edu:80", "http"))
	assert.Equal(t, "a.edu", RemoveDefaultPort("a.edu:443", "https"))
	assert.Equal(t, "a.edu:443", RemoveDefaultPort("a.edu:443", "http"))
	assert.Equal(t, "a.edu:8080", RemoveDefaultPort("a.edu:8080", "https"))
}

func BenchmarkCanonicalize(b *testing.B) {
	canonicalizer := NewCanonicalizer(nil)
	for i := 0; i < b.N; i++ {
		canonicalizer.Canonicalize("../people/faculty.html?sort=asc#list", "https://www.ics.uci.edu/about/index.html")
	}
}

func BenchmarkValidate(b *testing.B) {
	validator := NewURLValidator()
	for i := 0; i < b.N; i++ {
		validator.Validate("https://vision.ics.uci.edu/projects/2020/index.html")
	}
}
