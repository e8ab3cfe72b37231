// Package parser reads and rewrites the task checklist in HEARTBEAT.md.
//
// A task is a markdown list item with a checkbox:
//
//	- [ ] pending
//	- [x] done
//	- [!] failed
//
// Items inside fenced code blocks and YAML frontmatter are not tasks. Rendering a
// parsed document reproduces the input byte for byte except for changed markers.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status is the state recorded in a task's checkbox.
type Status int

const (
	Pending Status = iota
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = Pending
	case "done":
		*s = Done
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("parser: unknown task status %q", text)
	}
	return nil
}

func (s Status) marker() byte {
	switch s {
	case Done:
		return 'x'
	case Failed:
		return '!'
	default:
		return ' '
	}
}

var taskRe = regexp.MustCompile(`^(\s*[-*+]\s+\[)([ xX!])(\]\s+)(.*?)\s*$`)

// Task is one checklist item.
type Task struct {
	Line        int    `json:"line"` // 0-based line number in the document
	Description string `json:"description"`
	Status      Status `json:"status"`
	Raw         string `json:"raw"`
}

// Document is a parsed HEARTBEAT.md.
type Document struct {
	Frontmatter map[string]interface{}
	Title       string
	Tasks       []Task

	lines []string // each line keeps its terminator
}

// Parse extracts frontmatter, title and tasks from raw Markdown bytes.
func Parse(data []byte) *Document {
	fm, body := splitFrontmatter(data)
	doc := &Document{
		Frontmatter: fm,
		Title:       deriveTitle(fm, body),
		lines:       strings.SplitAfter(string(data), "\n"),
	}
	if n := len(doc.lines); n > 0 && doc.lines[n-1] == "" {
		doc.lines = doc.lines[:n-1]
	}

	skip := strings.Count(string(data[:len(data)-len(body)]), "\n")
	inFence := false
	for i, line := range doc.lines {
		if i < skip {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		m := taskRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil || strings.TrimSpace(m[4]) == "" {
			continue
		}
		doc.Tasks = append(doc.Tasks, Task{
			Line:        i,
			Description: m[4],
			Status:      parseMarker(m[2][0]),
			Raw:         strings.TrimRight(line, "\r\n"),
		})
	}
	return doc
}

func parseMarker(b byte) Status {
	switch b {
	case 'x', 'X':
		return Done
	case '!':
		return Failed
	default:
		return Pending
	}
}

// Pending returns the tasks still waiting to run, in document order.
func (d *Document) Pending() []Task {
	var out []Task
	for _, t := range d.Tasks {
		if t.Status == Pending {
			out = append(out, t)
		}
	}
	return out
}

// SetStatus rewrites the checkbox of the task on line. It reports false when no
// task starts on that line.
func (d *Document) SetStatus(line int, status Status) bool {
	for i := range d.Tasks {
		if d.Tasks[i].Line != line {
			continue
		}
		src := d.lines[line]
		loc := taskRe.FindStringSubmatchIndex(strings.TrimRight(src, "\r\n"))
		if loc == nil {
			return false
		}
		b := []byte(src)
		b[loc[4]] = status.marker()
		d.lines[line] = string(b)
		d.Tasks[i].Status = status
		d.Tasks[i].Raw = strings.TrimRight(d.lines[line], "\r\n")
		return true
	}
	return false
}

// Render returns the document with any status changes applied.
func (d *Document) Render() []byte {
	var buf bytes.Buffer
	for _, l := range d.lines {
		buf.WriteString(l)
	}
	return buf.Bytes()
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) (map[string]interface{}, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Invalid YAML: the whole file is body.
		return nil, string(data)
	}
	return fm, body
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(fm map[string]interface{}, body string) string {
	if fm != nil {
		if t, ok := fm["title"]; ok {
			if s, ok := t.(string); ok && s != "" {
				return s
			}
		}
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
