package common

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeWhitespace trims s and collapses inner whitespace runs to one space.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeEmail lower-cases a full address and strips a mailto: prefix.
// It returns "" when s is not shaped like an address.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "mailto:")
	local, host, ok := strings.Cut(s, "@")
	if !ok || local == "" || host == "" || strings.Contains(host, "@") {
		return ""
	}
	if strings.ContainsAny(s, " \t\n") {
		return ""
	}
	return local + "@" + strings.TrimSuffix(host, ".")
}

// NormalizeHost strips scheme, credentials, port, path and a trailing dot
// from s and lower-cases what remains.
func NormalizeHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	return strings.TrimPrefix(host, "www.")
}

// NormalizeDomain reduces s to its registered base domain using the public
// suffix list, e.g. "https://mail.Example.co.uk/x" becomes "example.co.uk".
func NormalizeDomain(s string) string {
	host := NormalizeHost(s)
	if host == "" || !strings.Contains(host, ".") {
		return ""
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return base
}

const minPhoneDigits = 7

// NormalizePhone keeps digits and a leading plus. An international "00"
// prefix is rewritten to "+". Fewer than seven digits yields "".
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	plus := strings.HasPrefix(s, "+")
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if !plus && strings.HasPrefix(digits, "00") {
		plus = true
		digits = digits[2:]
	}
	if len(digits) < minPhoneDigits {
		return ""
	}
	if plus {
		return "+" + digits
	}
	return digits
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldText removes diacritics, lower-cases and replaces punctuation with
// spaces so "Jöhn  DOE." and "john doe" compare equal.
func FoldText(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return NormalizeWhitespace(folded)
}

// NormalizeHandle lower-cases a username and strips a leading "@".
func NormalizeHandle(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "@")
	if strings.ContainsAny(s, " \t\n") {
		return ""
	}
	return s
}

var handlePattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_.])@([\p{L}\p{N}_.]+)`)

// SplitIdentityName separates a display name such as "John Doe (@johndoe)"
// into the folded real name and the handles embedded in it.
func SplitIdentityName(s string) (string, []string) {
	var handles []string
	for _, m := range handlePattern.FindAllStringSubmatch(s, -1) {
		if h := NormalizeHandle(strings.TrimRight(m[1], ".")); h != "" {
			handles = append(handles, h)
		}
	}
	rest := handlePattern.ReplaceAllString(s, " ")
	return FoldText(rest), handles
}

// NormalizeURL reduces a profile URL to host and path without scheme,
// query, fragment or trailing slash.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.TrimRight(strings.ToLower(u.EscapedPath()), "/")
	return host + path
}

var legalSuffixes = map[string]struct{}{
	"inc": {}, "incorporated": {}, "llc": {}, "ltd": {}, "limited": {},
	"corp": {}, "corporation": {}, "co": {}, "company": {}, "gmbh": {},
	"ag": {}, "sa": {}, "plc": {}, "bv": {}, "srl": {}, "oy": {}, "ab": {},
}

// NormalizeOrganization folds an organisation name and strips trailing
// legal form suffixes.
func NormalizeOrganization(s string) string {
	words := strings.Fields(FoldText(s))
	for len(words) > 1 {
		if _, ok := legalSuffixes[words[len(words)-1]]; !ok {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

var addressAbbreviations = map[string]string{
	"st":   "street",
	"str":  "strasse",
	"ave":  "avenue",
	"av":   "avenue",
	"rd":   "road",
	"blvd": "boulevard",
	"dr":   "drive",
	"ln":   "lane",
	"ct":   "court",
	"pl":   "place",
	"sq":   "square",
	"hwy":  "highway",
	"apt":  "apartment",
	"ste":  "suite",
	"fl":   "floor",
	"n":    "north",
	"s":    "south",
	"e":    "east",
	"w":    "west",
}

// NormalizeAddress folds an address line and expands common abbreviations.
func NormalizeAddress(s string) string {
	words := strings.Fields(FoldText(s))
	for i, w := range words {
		if full, ok := addressAbbreviations[w]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}
