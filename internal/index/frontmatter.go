package index

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta is the advisory metadata header of an index. The usage policy is free
// text read by agents, not interpreted by the store.
type Meta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	UsagePolicy string `yaml:"usage_policy"`
}

const fmDelim = "---"

// splitFrontmatter separates a document into its raw YAML header and body.
// Returns ok=false when the document has no frontmatter block.
func splitFrontmatter(content string) (header, body string, ok bool) {
	if !strings.HasPrefix(content, fmDelim+"\n") && content != fmDelim {
		return "", content, false
	}
	rest := content[len(fmDelim)+1:]
	end := strings.Index(rest, "\n"+fmDelim)
	if end == -1 {
		return "", content, false
	}
	header = rest[:end]
	body = rest[end+1+len(fmDelim):]
	body = strings.TrimPrefix(body, "\n")
	return header, body, true
}

// parseMeta decodes the frontmatter header of content. Unknown keys are
// preserved only in the raw document, not in Meta.
func parseMeta(content string) (Meta, string, error) {
	header, body, ok := splitFrontmatter(content)
	if !ok {
		return Meta{}, "", fmt.Errorf("metadata missing: content must start with %q followed by YAML frontmatter", fmDelim)
	}
	var m Meta
	if err := yaml.Unmarshal([]byte(header), &m); err != nil {
		return Meta{}, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return m, body, nil
}

// composeDocument renders a frontmatter header plus body back into one
// document, the inverse of parseMeta for well-formed input.
func composeDocument(m Meta, body string) (string, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(fmDelim)
	b.WriteString("\n")
	b.Write(raw)
	b.WriteString(fmDelim)
	b.WriteString("\n")
	b.WriteString(body)
	return b.String(), nil
}

func validateMeta(content string) error {
	m, _, err := parseMeta(content)
	if err != nil {
		return err
	}
	var missing []string
	if m.Name == "" {
		missing = append(missing, "name")
	}
	if m.Description == "" {
		missing = append(missing, "description")
	}
	if m.UsagePolicy == "" {
		missing = append(missing, "usage_policy")
	}
	if len(missing) > 0 {
		return fmt.Errorf("frontmatter incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}
