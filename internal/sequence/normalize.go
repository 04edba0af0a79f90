package sequence

import (
	"path"
	"regexp"
	"strings"
)

var (
	ipv4Pattern   = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}(:\d+)?$`)
	numberPattern = regexp.MustCompile(`\d{2,}`)
	urlPattern    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// Verbs whose first arguments say enough about intent to keep in the pattern.
var argumentVerbs = map[string]bool{
	"ls":       true,
	"dir":      true,
	"cat":      true,
	"type":     true,
	"more":     true,
	"less":     true,
	"head":     true,
	"tail":     true,
	"cd":       true,
	"pwd":      true,
	"wget":     true,
	"curl":     true,
	"scp":      true,
	"download": true,
	"upload":   true,
	"get":      true,
	"put":      true,
}

const maxKeptArgs = 2

// NormalizeCommand reduces a command line to a pattern token: paths, IPv4
// literals and multi-digit numbers become placeholders, and only the verb is
// kept, plus up to two arguments for common listing, reading, navigation and
// transfer verbs.
func NormalizeCommand(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}

	verb := strings.ToLower(fields[0])
	if strings.ContainsAny(verb, `/\`) {
		verb = path.Base(strings.ReplaceAll(verb, `\`, "/"))
	}
	verb = strings.TrimSuffix(verb, ".exe")
	if !argumentVerbs[verb] {
		return verb
	}

	out := []string{verb}
	for _, arg := range fields[1:] {
		if len(out) > maxKeptArgs {
			break
		}
		out = append(out, normalizeArg(arg))
	}
	return strings.Join(out, " ")
}

func normalizeArg(arg string) string {
	switch {
	case ipv4Pattern.MatchString(arg):
		return "<ip>"
	case urlPattern.MatchString(arg):
		return "<url>"
	case isPath(arg):
		return "<path>"
	}
	return numberPattern.ReplaceAllString(arg, "<num>")
}

func isPath(arg string) bool {
	if strings.ContainsAny(arg, `/\`) {
		return true
	}
	if arg == "." || arg == ".." || arg == "~" || strings.HasPrefix(arg, "~") {
		return true
	}
	// C:foo style drive-relative references.
	return len(arg) >= 2 && arg[1] == ':' && (arg[0]|0x20) >= 'a' && (arg[0]|0x20) <= 'z'
}
