// Package ticket implements the ticket_flow definition: ordered markdown
// tickets with YAML frontmatter, driven one agent turn at a time.
package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ticketNameRegexp matches TICKET-<int>[suffix].md filenames.
var ticketNameRegexp = regexp.MustCompile(`^TICKET-(\d+)([A-Za-z0-9._-]*)\.md$`)

const frontmatterDelim = "---"

// Doc is one parsed ticket file. Raw frontmatter and body bytes are
// retained so Render reproduces the file exactly.
type Doc struct {
	Path  string
	Name  string
	Index int

	Agent    string
	Done     bool
	Title    string
	Goal     string
	Requires []string
	Extra    map[string]any

	rawFrontmatter string
	Body           string
}

// ParseName extracts the ticket index from a filename.
func ParseName(name string) (int, bool) {
	m := ticketNameRegexp.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil || idx <= 0 {
		return 0, false
	}
	return idx, true
}

// Parse reads a ticket document from raw file contents.
func Parse(name string, data []byte) (*Doc, error) {
	idx, ok := ParseName(name)
	if !ok {
		return nil, fmt.Errorf("ticket %s: filename does not match TICKET-<n>[suffix].md", name)
	}
	raw, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", name, err)
	}

	var fm map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, fmt.Errorf("ticket %s: frontmatter: %w", name, err)
	}
	doc := &Doc{
		Name:           name,
		Index:          idx,
		Extra:          map[string]any{},
		rawFrontmatter: raw,
		Body:           body,
	}
	for key, val := range fm {
		switch key {
		case "agent":
			doc.Agent, _ = val.(string)
		case "done":
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("ticket %s: done must be a boolean", name)
			}
			doc.Done = b
		case "title":
			doc.Title, _ = val.(string)
		case "goal":
			doc.Goal, _ = val.(string)
		case "requires":
			reqs, err := stringSlice(val)
			if err != nil {
				return nil, fmt.Errorf("ticket %s: requires: %w", name, err)
			}
			doc.Requires = reqs
		default:
			doc.Extra[key] = val
		}
	}
	if strings.TrimSpace(doc.Agent) == "" {
		return nil, fmt.Errorf("ticket %s: agent is required", name)
	}
	return doc, nil
}

// Render reproduces the original file bytes.
func (d *Doc) Render() string {
	return frontmatterDelim + "\n" + d.rawFrontmatter + frontmatterDelim + "\n" + d.Body
}

// Load parses the ticket file at path.
func Load(path string) (*Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	doc.Path = path
	return doc, nil
}

// LoadDir reads every ticket in dir, sorted by index. Duplicate indexes
// are a configuration error.
func LoadDir(dir string) ([]*Doc, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var docs []*Doc
	seen := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := ParseName(entry.Name()); !ok {
			continue
		}
		doc, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[doc.Index]; dup {
			return nil, fmt.Errorf("tickets %s and %s share index %d", prev, doc.Name, doc.Index)
		}
		seen[doc.Index] = doc.Name
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Index < docs[j].Index })
	return docs, nil
}

// splitFrontmatter separates the YAML block from the body, keeping both
// verbatim.
func splitFrontmatter(content string) (raw, body string, err error) {
	if !strings.HasPrefix(content, frontmatterDelim+"\n") {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	rest := content[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim+"\n")
	switch {
	case strings.HasPrefix(rest, frontmatterDelim+"\n"):
		// Empty frontmatter block.
		return "", rest[len(frontmatterDelim)+1:], nil
	case end < 0:
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	raw = rest[:end+1]
	body = rest[end+1+len(frontmatterDelim)+1:]
	return raw, body, nil
}

func stringSlice(val any) ([]string, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", val)
	}
}
