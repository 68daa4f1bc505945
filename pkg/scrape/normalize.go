package scrape

import (
	"regexp"
	"strings"
)

// The alias lists name, in priority order, the JSON keys a fast-scraper
// response might use for a logical field; the third-party API is not
// consistent about author nesting or naming.
var (
	authorNameAliases  = []string{"author_name", "authorName", "author.name", "user.name", "posted_by"}
	authorLinkAliases  = []string{"author_link", "authorLink", "author.link", "author.url", "user.profile_url"}
	authorPhotoAliases = []string{"author_photo", "authorPhoto", "author.photo", "author.avatar", "user.photo_url"}
	textAliases        = []string{"text", "message", "body", "content"}
)

// firstNonEmpty returns the first non-empty value found by walking fields
// in alias order.
func firstNonEmpty(fields map[string]string, aliases []string) string {
	for _, alias := range aliases {
		if v, ok := fields[alias]; ok && v != "" {
			return v
		}
	}
	return ""
}

// postIDPatterns extract a numeric or opaque post identifier from a post
// URL or permalink, tried in order.
var postIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/posts/(\d+)`),
	regexp.MustCompile(`/permalink/(\d+)`),
	regexp.MustCompile(`story_fbid=(\d+)`),
	regexp.MustCompile(`(pfbid[A-Za-z0-9]+)`),
}

// ExtractPostIdentifier pulls the post key out of a URL using the ordered
// pattern list; the returned value (numeric or opaque) becomes part of
// RawItem.SourceKey.
func ExtractPostIdentifier(url string) string {
	for _, pattern := range postIDPatterns {
		if m := pattern.FindStringSubmatch(url); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

// canonicalProfilePattern extracts the profile-owning segment from an
// arbitrary author link so two links that resolve to the same profile
// normalize identically regardless of query params or trailing segments.
var canonicalProfilePattern = regexp.MustCompile(`^(https?://[^/]+/[^/?#]+)`)

// NormalizeAuthorLink canonicalizes an author link to its profile root.
func NormalizeAuthorLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	if m := canonicalProfilePattern.FindStringSubmatch(link); len(m) == 2 {
		return m[1]
	}
	return link
}

// trailingArtifacts are "read more" affordances in various languages that
// sit on the end of truncated post text and must be stripped, not treated
// as content.
var trailingArtifacts = []string{
	"See More",
	"See more",
	"... עוד",
	"עוד",
	"عرض المزيد",
	"Ver más",
	"Voir plus",
}

// CleanPostText strips known trailing "read more" artifacts and surrounding
// whitespace from scraped post text.
func CleanPostText(text string) string {
	cleaned := strings.TrimSpace(text)
	for _, artifact := range trailingArtifacts {
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), artifact)
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned
}
