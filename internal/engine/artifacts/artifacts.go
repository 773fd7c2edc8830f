// Package artifacts splits a model response into frontend, backend and
// database code by scanning its fenced blocks.
package artifacts

import (
	"regexp"
	"strings"
	"unicode"
)

type Kind string

const (
	Frontend Kind = "frontend"
	Backend  Kind = "backend"
	Database Kind = "database"
)

var Kinds = []Kind{Frontend, Backend, Database}

var fence = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)```")

// Bundle is the extracted code per kind. Every kind is always set.
type Bundle struct {
	Frontend string
	Backend  string
	Database string
}

func (b Bundle) Get(k Kind) string {
	switch k {
	case Frontend:
		return b.Frontend
	case Backend:
		return b.Backend
	case Database:
		return b.Database
	}
	return ""
}

// Placeholder is stored for a kind the response did not contain.
func Placeholder(k Kind) string {
	return "-- no " + string(k) + " code generated --"
}

func IsPlaceholder(k Kind, code string) bool {
	return code == Placeholder(k)
}

// Classify maps a fence info string to a kind. Only an explicit kind word
// counts, so "tsx frontend" is frontend and a bare "tsx" block is ignored.
func Classify(info string) (Kind, bool) {
	tokens := strings.FieldsFunc(strings.ToLower(info), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(":,={}", r)
	})
	for _, t := range tokens {
		switch Kind(t) {
		case Frontend, Backend, Database:
			return Kind(t), true
		}
	}
	return "", false
}

// Extract collects every fenced block per kind, in order. Multiple blocks of
// one kind are joined by a blank line.
func Extract(raw string) Bundle {
	parts := map[Kind][]string{}
	for _, m := range fence.FindAllStringSubmatch(raw, -1) {
		k, ok := Classify(m[1])
		if !ok {
			continue
		}
		code := strings.TrimRight(strings.ReplaceAll(m[2], "\r\n", "\n"), "\r\n \t")
		if strings.TrimSpace(code) == "" {
			continue
		}
		parts[k] = append(parts[k], code)
	}
	join := func(k Kind) string {
		if len(parts[k]) == 0 {
			return Placeholder(k)
		}
		return strings.Join(parts[k], "\n\n")
	}
	return Bundle{Frontend: join(Frontend), Backend: join(Backend), Database: join(Database)}
}
