package discovery

import (
	"regexp"

	"github.com/PuerkitoBio/purell"
)

const normalizeFlags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveFragment |
	purell.FlagDecodeUnnecessaryEscapes |
	purell.FlagSortQuery |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveDotSegments

// Normalize canonicalises a listing link so the same item found through
// different hrefs dedups to one URL.
func Normalize(rawURL string) (string, error) {
	return purell.NormalizeURLString(rawURL, normalizeFlags)
}

// LinkFilter selects item links out of everything on a listing page.
type LinkFilter struct {
	re *regexp.Regexp
}

// NewLinkFilter compiles pattern, matched against normalized URLs.
func NewLinkFilter(pattern string) (*LinkFilter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &LinkFilter{re: re}, nil
}

// Match normalizes raw and reports whether it is an item link.
func (f *LinkFilter) Match(raw string) (string, bool) {
	u, err := Normalize(raw)
	if err != nil || !f.re.MatchString(u) {
		return "", false
	}
	return u, true
}
