package normalisers

import (
	"testing"
)

type fakeNormaliser struct {
	exts     []string
	priority int
}

func (f *fakeNormaliser) Normalise(raw string) (string, error) { return raw, nil }
func (f *fakeNormaliser) Extensions() []string                 { return f.exts }
func (f *fakeNormaliser) Priority() int                        { return f.priority }

func TestRegistry_Get_NoMatch(t *testing.T) {
	r := NewRegistry()
	if n := r.Get(".xyz"); n != nil {
		t.Errorf("expected nil for unregistered extension, got %T", n)
	}
}

func TestRegistry_Get_HighestPriorityWins(t *testing.T) {
	low := &fakeNormaliser{exts: []string{".md"}, priority: 1}
	high := &fakeNormaliser{exts: []string{".md"}, priority: 50}

	r := NewRegistry()
	r.Register(low)
	r.Register(high)

	got := r.Get(".md")
	if got == nil || got.Priority() != 50 {
		t.Errorf("expected highest priority normaliser, got %v", got)
	}
}

func TestRegistry_Get_CaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeNormaliser{exts: []string{".pdf"}, priority: 1})

	if r.Get(".PDF") == nil {
		t.Error("expected extension lookup to be case-insensitive")
	}
}

func TestRegistry_Extensions(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeNormaliser{exts: []string{".md", ".txt"}, priority: 1})
	r.Register(&fakeNormaliser{exts: []string{".md"}, priority: 2})

	exts := r.Extensions()
	if len(exts) != 2 {
		t.Fatalf("expected 2 unique extensions, got %v", exts)
	}
	if exts[0] != ".md" || exts[1] != ".txt" {
		t.Errorf("expected sorted extensions, got %v", exts)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, ext := range []string{".md", ".go", ".yaml", ".pdf", ".env.example"} {
		if r.Get(ext) == nil {
			t.Errorf("expected a normaliser for %s", ext)
		}
	}
	if r.Get(".exe") != nil {
		t.Error("expected no normaliser for binary extension")
	}
	if _, ok := r.Get(".pdf").(*PDFNormaliser); !ok {
		t.Errorf("expected PDF normaliser for .pdf, got %T", r.Get(".pdf"))
	}
}

func TestPlaintextNormaliser(t *testing.T) {
	n := &PlaintextNormaliser{}
	got, err := n.Normalise("hello\r\nworld\n\n\n\nend\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello\nworld\n\nend" {
		t.Errorf("unexpected normalized text: %q", got)
	}
}

func TestPDFNormaliser_InvalidInput(t *testing.T) {
	n := &PDFNormaliser{}
	if _, err := n.Normalise("not a pdf"); err == nil {
		t.Error("expected error for non-PDF input")
	}
}
