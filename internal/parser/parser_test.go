package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse_Tasks(t *testing.T) {
	input := []byte("# Heartbeat\n\n- [ ] water the plants\n* [x] file taxes\n  - [!] renew passport\n- not a task\n- [ ]   \n")
	doc := Parse(input)

	if doc.Title != "Heartbeat" {
		t.Errorf("title = %q", doc.Title)
	}
	type row struct {
		Line   int
		Desc   string
		Status Status
	}
	var got []row
	for _, tk := range doc.Tasks {
		got = append(got, row{tk.Line, tk.Description, tk.Status})
	}
	want := []row{
		{2, "water the plants", Pending},
		{3, "file taxes", Done},
		{4, "renew passport", Failed},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tasks (-want +got):\n%s", diff)
	}
	if p := doc.Pending(); len(p) != 1 || p[0].Description != "water the plants" {
		t.Errorf("pending = %+v", p)
	}
}

func TestParse_FrontmatterAndFences(t *testing.T) {
	input := []byte("---\ntitle: Daily chores\n---\n- [ ] real task\n```\n- [ ] example in code\n```\n")
	doc := Parse(input)
	if doc.Title != "Daily chores" {
		t.Errorf("title = %q", doc.Title)
	}
	if len(doc.Tasks) != 1 || doc.Tasks[0].Line != 3 {
		t.Errorf("tasks = %+v", doc.Tasks)
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	input := []byte("---\n: invalid: yaml: {{{\n---\n- [ ] still a task\n")
	doc := Parse(input)
	if doc.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
	if len(doc.Tasks) != 1 {
		t.Errorf("tasks = %+v", doc.Tasks)
	}
}

func TestSetStatus_RewritesOnlyMarker(t *testing.T) {
	input := "# Tasks\r\n  * [ ] first\r\n- [ ] second\n\ntrailing text"
	doc := Parse([]byte(input))

	if !doc.SetStatus(1, Done) || !doc.SetStatus(2, Failed) {
		t.Fatal("SetStatus failed")
	}
	want := "# Tasks\r\n  * [x] first\r\n- [!] second\n\ntrailing text"
	if got := string(doc.Render()); got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
	if doc.SetStatus(0, Done) {
		t.Error("SetStatus on a heading should report false")
	}
	if len(doc.Pending()) != 0 {
		t.Errorf("pending = %+v", doc.Pending())
	}
}

func TestRender_RoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"no newline",
		"- [ ] a\n- [x] b\n",
		"---\ntitle: x\n---\n\n\n- [!] c\n",
	}
	for _, in := range inputs {
		if got := string(Parse([]byte(in)).Render()); got != in {
			t.Errorf("round trip of %q = %q", in, got)
		}
	}
}

func TestDeriveTitle_H1Fallback(t *testing.T) {
	if got := deriveTitle(nil, "intro\n# Heading\n"); got != "Heading" {
		t.Errorf("title = %q", got)
	}
	if got := deriveTitle(nil, "no heading"); got != "" {
		t.Errorf("title = %q, want empty", got)
	}
}

func TestStatusText(t *testing.T) {
	for _, st := range []Status{Pending, Done, Failed} {
		text, _ := st.MarshalText()
		var got Status
		if err := got.UnmarshalText(text); err != nil || got != st {
			t.Errorf("round trip %v: got %v, %v", st, got, err)
		}
	}
	var s Status
	if err := s.UnmarshalText([]byte("skipped")); err == nil {
		t.Error("unknown status accepted")
	}
}
