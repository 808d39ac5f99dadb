// Package privacy applies the device privacy policy to events before any
// network I/O. All functions are stateless transforms over the current
// settings; callers re-create the filter when settings change
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"flowsync/internal/config"
)

// Filter applies privacy rules to event fields
type Filter struct {
	settings config.PrivacySettings
}

// New builds a filter over the given settings
func New(settings config.PrivacySettings) *Filter {
	return &Filter{settings: settings}
}

// ShouldExcludeApp reports whether events from app are dropped entirely
func (f *Filter) ShouldExcludeApp(app string) bool {
	if app == "" {
		return false
	}
	for _, ex := range f.settings.ExcludeApps {
		if ex == app {
			return true
		}
	}
	return false
}

// IsAppAllowlisted reports whether app may ship raw window titles
func (f *Filter) IsAppAllowlisted(app string) bool {
	if app == "" {
		return false
	}
	for _, a := range f.settings.TitleAllowlist {
		if a == app {
			return true
		}
	}
	return false
}

// ProcessTitle returns the title to upload: raw for allowlisted apps,
// hashed when hash_titles is on, otherwise unchanged. Empty in, empty out
func (f *Filter) ProcessTitle(app, title string) string {
	if title == "" {
		return ""
	}
	if f.IsAppAllowlisted(app) {
		return title
	}
	if f.settings.HashTitles {
		return HashString(title)
	}
	return title
}

// ProcessURL returns the URL to upload. With domain_only_urls on, the URL is
// reduced to its authority; an unparseable URL yields "" and the field is
// dropped. Idempotent: processing an already-reduced value is a no-op
func (f *Filter) ProcessURL(raw string) string {
	if raw == "" {
		return ""
	}
	if f.settings.CollectFullURLs {
		return raw
	}
	if f.settings.DomainOnlyURLs {
		return ExtractDomain(raw)
	}
	return raw
}

// ExtractDomain returns the network authority of raw, or "" when absent
func ExtractDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// HashString returns the first 16 hex chars of SHA-256(value); short enough
// to read in payloads, long enough to stay unique in practice
func HashString(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

// PageCategory is a coarse classification of a visited page
type PageCategory string

// Page categories recognized by InferPageCategory
const (
	CategoryCode          PageCategory = "code"
	CategoryReview        PageCategory = "review"
	CategoryDocumentation PageCategory = "documentation"
	CategoryCommunication PageCategory = "communication"
	CategoryPlanning      PageCategory = "planning"
	CategoryDesign        PageCategory = "design"
	CategoryOther         PageCategory = "other"
)

// categoryKeywords maps substrings to categories. Review outranks code so a
// pull-request page on a code host classifies as review
var categoryKeywords = []struct {
	category PageCategory
	keywords []string
}{
	{CategoryReview, []string{"/pull/", "/pulls", "merge_request", "pull request", "code review", "gerrit", "/compare/"}},
	{CategoryCode, []string{"github", "gitlab", "bitbucket", "stack overflow", "stackoverflow", "codepen", "godbolt"}},
	{CategoryDocumentation, []string{"docs.", "/docs", "readthedocs", "confluence", "wiki", "notion", "developer.mozilla", "documentation"}},
	{CategoryCommunication, []string{"slack", "gmail", "mail.", "outlook", "teams", "zoom", "meet.google", "discord", "inbox"}},
	{CategoryPlanning, []string{"jira", "linear.app", "asana", "trello", "monday.com", "calendar", "backlog", "sprint"}},
	{CategoryDesign, []string{"figma", "sketch", "canva", "miro", "zeplin", "dribbble", "behance"}},
}

// InferPageCategory classifies a page by substring match on URL and title
func InferPageCategory(rawURL, title string) PageCategory {
	haystack := strings.ToLower(rawURL + " " + title)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				return entry.category
			}
		}
	}
	return CategoryOther
}
