package policy

import (
	"net/url"
	"strings"
)

// Fields is the canonical view of an action's input that the evaluator
// operates on. Adapters populate it directly because they know their own
// input shape; ExtractFields is the fallback for raw requests (HTTP API,
// proxied MCP tools) and is the only other place that understands the
// well-known key conventions.
type Fields struct {
	// Path from path|file|target.
	Path string
	// Binary is the first whitespace token of binary|command, reduced to
	// its last /-segment.
	Binary string
	// Command is the raw command|cmd string, used for forbidden substring
	// matching.
	Command string
	// URL is the raw url|endpoint string.
	URL string
	// Domain is the hostname parsed from URL, or the literal domain key
	// when no URL is present.
	Domain string
	// BadURL is set when a URL was provided but has no parseable hostname.
	BadURL bool
	// Method is the upper-cased HTTP method, empty when absent.
	Method string
	// Repo from repo|repository.
	Repo string
}

// ExtractFields pulls the canonical fields out of an untyped input bag.
// Missing or non-string values leave the field empty.
func ExtractFields(input map[string]any) Fields {
	var f Fields
	f.Path = firstString(input, "path", "file", "target")
	f.Command = firstString(input, "command", "cmd")
	f.Binary = baseToken(firstString(input, "binary", "command"))
	f.Repo = firstString(input, "repo", "repository")
	if m := firstString(input, "method"); m != "" {
		f.Method = strings.ToUpper(strings.TrimSpace(m))
	}
	f.URL = firstString(input, "url", "endpoint")
	if f.URL != "" {
		u, err := url.Parse(f.URL)
		if err != nil || u.Hostname() == "" {
			f.BadURL = true
		} else {
			f.Domain = u.Hostname()
		}
	} else {
		f.Domain = firstString(input, "domain")
	}
	return f
}

// baseToken reduces a command string to the bare program name: first
// whitespace-separated token, last /-segment. "/usr/bin/rm -rf /" -> "rm".
func baseToken(s string) string {
	tok := strings.TrimSpace(s)
	if i := strings.IndexFunc(tok, isSpace); i >= 0 {
		tok = tok[:i]
	}
	if i := strings.LastIndexByte(tok, '/'); i >= 0 {
		tok = tok[i+1:]
	}
	return tok
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func firstString(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
