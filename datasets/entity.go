package datasets

import (
	"regexp"
	"strconv"
	"strings"
)

// Entity is a subject or object mention of a relation example.
type Entity struct {
	Word     string `json:"word"`
	StartIdx int    `json:"start_idx"`
	EndIdx   int    `json:"end_idx"`
	Type     string `json:"type"`
}

// entityPattern matches the python dict literal the entity columns are stored as, e.g.
// {'word': '비틀즈', 'start_idx': 24, 'end_idx': 26, 'type': 'ORG'}. Words containing a single quote
// are written with double quotes.
var entityPattern = regexp.MustCompile(`^\{\s*'word':\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)"),\s*'start_idx':\s*(-?\d+),\s*'end_idx':\s*(-?\d+),\s*'type':\s*'([^']*)'\s*\}$`)

// ParseEntity reads an entity column. Values that are not dict literals are taken as the word itself.
func ParseEntity(raw string) Entity {
	raw = strings.TrimSpace(raw)
	match := entityPattern.FindStringSubmatch(raw)
	if match == nil {
		return Entity{Word: raw, StartIdx: -1, EndIdx: -1}
	}
	word := match[1]
	if word == "" {
		word = match[2]
	}
	start, _ := strconv.Atoi(match[3])
	end, _ := strconv.Atoi(match[4])
	return Entity{
		Word:     unescape(word),
		StartIdx: start,
		EndIdx:   end,
		Type:     match[5],
	}
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
