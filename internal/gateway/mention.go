// Package gateway holds the transport-side conventions shared by all
// gateways: mention and thread-reference parsing, plus the built-in terminal
// gateway for interactive use.
package gateway

import (
	"regexp"
	"strings"
)

var (
	initialMentionPattern = regexp.MustCompile(`^\s*(?:<@([\w/-]+)>|@([\w/-]+))\s*`)
	mentionPattern        = regexp.MustCompile(`<@([\w/-]+)>|@([\w/-]+)`)
	threadPattern         = regexp.MustCompile(`thread:([A-Za-z0-9.\-]+)`)
)

// ExtractInitialMention splits a leading @name or <@id> mention off the text.
// It returns the mentioned name (empty when there is none) and the remaining
// body.
func ExtractInitialMention(text string) (string, string) {
	loc := initialMentionPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", text
	}
	name := matchedGroup(text, loc, 1)
	if name == "" {
		name = matchedGroup(text, loc, 2)
	}
	return name, text[loc[1]:]
}

// ExtractThreadReferences returns every thread:<id> reference in the text, in
// order of appearance. The prefix is case-sensitive.
func ExtractThreadReferences(text string) []string {
	var ids []string
	for _, m := range threadPattern.FindAllStringSubmatch(text, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// ReplaceAllMentions rewrites every @name and <@id> mention through resolve.
// Mentions the resolver does not know are left as the bare captured id.
func ReplaceAllMentions(text string, resolve func(id string) (string, bool)) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(match string) string {
		id := strings.TrimSuffix(strings.TrimPrefix(match, "<"), ">")
		id = strings.TrimPrefix(id, "@")
		if name, ok := resolve(id); ok {
			return name
		}
		return id
	})
}

func matchedGroup(text string, loc []int, group int) string {
	start, end := loc[2*group], loc[2*group+1]
	if start < 0 {
		return ""
	}
	return text[start:end]
}
