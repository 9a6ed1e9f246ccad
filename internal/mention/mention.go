// Package mention parses inline @name(identity) references out of message
// bodies.
package mention

import (
	"regexp"
	"strings"
)

type Mention struct {
	Name     string `json:"name"`
	Identity string `json:"identity"`
}

var pattern = regexp.MustCompile(`@([^\s@()]+)\(([^\s()]+)\)`)

// Extract returns every mention in body in order of appearance. Matches do
// not overlap.
func Extract(body string) []Mention {
	matches := pattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]Mention, 0, len(matches))
	for _, match := range matches {
		mentions = append(mentions, Mention{Name: match[1], Identity: match[2]})
	}
	return mentions
}

// Identities returns the distinct identities from mentions, lower-cased,
// keeping first-seen order.
func Identities(mentions []Mention) []string {
	seen := make(map[string]struct{}, len(mentions))
	out := make([]string, 0, len(mentions))
	for _, m := range mentions {
		id := strings.ToLower(strings.TrimSpace(m.Identity))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// FirstNWords joins the first n whitespace-separated tokens of body.
func FirstNWords(body string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(body)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
