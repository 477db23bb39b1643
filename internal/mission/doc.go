package mission

import (
	"strings"

	"github.com/zczc/nano-agent-team/internal/index"
)

// splitDoc separates a raw index document into its frontmatter prefix
// (delimiters included) and the body that follows it.
func splitDoc(content string) (header, body string, ok bool) {
	const delim = "---"
	if !strings.HasPrefix(content, delim+"\n") {
		return "", content, false
	}
	rest := content[len(delim)+1:]
	end := strings.Index(rest, "\n"+delim)
	if end == -1 {
		return "", content, false
	}
	headerEnd := len(delim) + 1 + end + 1 + len(delim)
	header = content[:headerEnd]
	body = strings.TrimPrefix(content[headerEnd:], "\n")
	return header + "\n", body, true
}

// joinDoc reattaches the original header of current to a rewritten body.
func joinDoc(current, newBody string) string {
	header, _, ok := splitDoc(current)
	if !ok {
		return newBody
	}
	return header + newBody
}

// composeFrom rebuilds a full document from a prior read and a new body,
// preserving the header byte-for-byte.
func composeFrom(doc index.Document, newBody string) (string, error) {
	return joinDoc(doc.Raw, newBody), nil
}
