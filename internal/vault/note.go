package vault

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// TypeMOC marks a cluster note in frontmatter.
const TypeMOC = "moc"

// ErrFrontmatter is returned by ParseNote for a header that is not valid
// YAML. Such notes must not be rewritten.
var ErrFrontmatter = errors.New("unreadable frontmatter")

// Frontmatter is the YAML header of a generated note.
type Frontmatter struct {
	Title       string   `yaml:"title"`
	Type        string   `yaml:"type,omitempty"`
	Sources     []string `yaml:"sources,omitempty"`
	DerivedFrom []string `yaml:"derived_from,omitempty"`
	Created     string   `yaml:"created,omitempty"`

	// Keys written by the user or other tools (tags, aliases, ...),
	// carried through unchanged.
	Extra map[string]any `yaml:",inline"`
}

// Note is a parsed markdown note.
type Note struct {
	Meta Frontmatter
	Body string
}

// ParseNote splits YAML frontmatter delimited by "---" lines from the body.
// Text without frontmatter is returned as the body. On ErrFrontmatter the
// returned note holds the whole text as its body.
func ParseNote(text string) (Note, error) {
	if !strings.HasPrefix(text, "---") {
		return Note{Body: text}, nil
	}
	end := strings.Index(text[3:], "\n---")
	if end < 0 {
		return Note{Body: text}, nil
	}
	header := text[3 : 3+end]
	body := strings.TrimLeft(text[3+end+4:], "\n")

	var n Note
	if err := yaml.Unmarshal([]byte(header), &n.Meta); err != nil {
		return Note{Body: text}, fmt.Errorf("%w: %w", ErrFrontmatter, err)
	}
	n.Body = body
	return n, nil
}

// Render produces the markdown text for n.
func (n Note) Render() string {
	header, err := yaml.Marshal(n.Meta)
	if err != nil {
		// Extra came from yaml.Unmarshal, so it marshals back.
		header = []byte(fmt.Sprintf("title: %q\n", n.Meta.Title))
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	sb.WriteString(strings.TrimSpace(n.Body))
	sb.WriteString("\n")
	return sb.String()
}

var wikiLinkRe = regexp.MustCompile(`\[\[([^\]|#]+)(?:[#|][^\]]*)?\]\]`)

// WikiLinks returns the link targets in body, in order of appearance.
func WikiLinks(body string) []string {
	var out []string
	for _, m := range wikiLinkRe.FindAllStringSubmatch(body, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// DropLinks replaces wikilinks whose target fails keep with their plain
// text. Bullet lines that held only a dropped link are removed. Returns
// the new body and the number of links dropped.
func DropLinks(body string, keep func(target string) bool) (string, int) {
	dropped := 0
	lines := strings.Split(body, "\n")
	out := lines[:0]
	for _, line := range lines {
		onlyLink := false
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [[") && strings.HasSuffix(trimmed, "]]") && strings.Count(trimmed, "[[") == 1 {
			onlyLink = true
		}
		changed := false
		line = wikiLinkRe.ReplaceAllStringFunc(line, func(m string) string {
			target := strings.TrimSpace(wikiLinkRe.FindStringSubmatch(m)[1])
			if keep(target) {
				return m
			}
			dropped++
			changed = true
			return target
		})
		if onlyLink && changed {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), dropped
}

const relatedHeading = "## Related"

// SetRelated replaces the body's "## Related" section with links to
// titles, or removes it when titles is empty.
func SetRelated(body string, titles []string) string {
	body = strings.TrimRight(body, "\n")
	if i := strings.Index(body, "\n"+relatedHeading); i >= 0 {
		rest := body[i+1+len(relatedHeading):]
		next := strings.Index(rest, "\n## ")
		head := strings.TrimRight(body[:i], "\n")
		if next >= 0 {
			body = head + "\n\n" + strings.TrimLeft(rest[next:], "\n")
		} else {
			body = head
		}
	} else if strings.HasPrefix(body, relatedHeading) {
		body = ""
	}
	if len(titles) == 0 {
		return body
	}
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n\n" + relatedHeading + "\n\n")
	for _, t := range titles {
		sb.WriteString(fmt.Sprintf("- [[%s]]\n", t))
	}
	return sb.String()
}
