package policy

import (
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Input is a proposed operation.
type Input struct {
	Command string  `json:"command,omitempty"`
	Cwd     string  `json:"cwd,omitempty"`
	Path    string  `json:"path,omitempty"`
	Tool    string  `json:"tool,omitempty"`
	Context Context `json:"context"`
}

// Context carries the environment a command would run in.
type Context struct {
	// Workspace names the package a monorepo command must be scoped to.
	Workspace     string         `json:"workspace,omitempty"`
	WorkspaceRoot string         `json:"workspace_root,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

func (c Context) asMap() map[string]any {
	m := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		m[k] = v
	}
	m["workspace"] = c.Workspace
	m["workspace_root"] = c.WorkspaceRoot
	m["platform"] = c.Platform
	return m
}

// normalize applies NFKC so full-width or compatibility characters cannot be
// used to slip past patterns, and trims surrounding space.
func normalize(in Input) Input {
	in.Command = strings.TrimSpace(norm.NFKC.String(in.Command))
	in.Cwd = strings.TrimSpace(norm.NFKC.String(in.Cwd))
	in.Path = strings.TrimSpace(norm.NFKC.String(in.Path))
	return in
}

var windowsAbs = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\\`) || windowsAbs.MatchString(p)
}

// segment is one command of a chain and the operator that follows it.
type segment struct {
	text string
	op   string
}

// splitChain splits a command on &&, ||, ;, a lone & and line breaks outside
// of quotes. Pipes and redirections such as &>, >& and 2>&1 are not chaining.
func splitChain(cmd string) []segment {
	var (
		out    []segment
		cur    strings.Builder
		quote  rune
		escape bool
	)
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if escape {
			cur.WriteRune(r)
			escape = false
			continue
		}
		if r == '\\' && quote != '\'' {
			cur.WriteRune(r)
			escape = true
			continue
		}
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
			continue
		}
		switch {
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ';':
			out = append(out, segment{text: strings.TrimSpace(cur.String()), op: ";"})
			cur.Reset()
		case r == '\n' || r == '\r':
			out = append(out, segment{text: strings.TrimSpace(cur.String()), op: "\n"})
			cur.Reset()
		case (r == '&' || r == '|') && i+1 < len(runes) && runes[i+1] == r:
			out = append(out, segment{text: strings.TrimSpace(cur.String()), op: string([]rune{r, r})})
			cur.Reset()
			i++
		case r == '&' && !isRedirect(runes, i):
			out = append(out, segment{text: strings.TrimSpace(cur.String()), op: "&"})
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" || len(out) == 0 {
		out = append(out, segment{text: rest})
	}
	return out
}

// isRedirect reports whether the & at i belongs to a redirection (&>, >&,
// <&) or to the |& pipe.
func isRedirect(runes []rune, i int) bool {
	if i+1 < len(runes) && runes[i+1] == '>' {
		return true
	}
	if i > 0 {
		switch runes[i-1] {
		case '>', '<', '|':
			return true
		}
	}
	return false
}

// isChained reports whether a command joins more than one command.
func isChained(cmd string) bool {
	segs := splitChain(cmd)
	if len(segs) < 2 {
		return false
	}
	// A trailing ";" with nothing after it is not a chain.
	nonEmpty := 0
	for _, s := range segs {
		if s.text != "" {
			nonEmpty++
		}
	}
	return nonEmpty > 1
}

// within reports whether target is root or below it.
func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve makes p absolute against base when it is relative.
func resolve(base, p string) string {
	if p == "" || isAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
