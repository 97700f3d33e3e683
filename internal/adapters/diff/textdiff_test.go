package diff

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreview_RendersUnifiedHunkForChangedLines(t *testing.T) {
	old := []byte("one\ntwo\nthree\n")
	new := []byte("one\ntwo-changed\nthree\n")
	out, ok, err := Preview("a.txt", old, new)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !ok {
		t.Fatal("expected a rendered preview for differing content")
	}
	if !strings.Contains(out, "-two") || !strings.Contains(out, "+two-changed") {
		t.Fatalf("expected the hunk to show the removed/added line, got:\n%s", out)
	}
	if !strings.Contains(out, "a/a.txt") || !strings.Contains(out, "b/a.txt") {
		t.Fatalf("expected file headers referencing the path, got:\n%s", out)
	}
}

func TestPreview_NoDifferenceReturnsFalse(t *testing.T) {
	content := []byte("identical\ncontent\n")
	out, ok, err := Preview("a.txt", content, content)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if ok || out != "" {
		t.Fatalf("expected no preview for identical content, got ok=%v out=%q", ok, out)
	}
}

func TestPreview_RefusesOversizedContent(t *testing.T) {
	big := bytes.Repeat([]byte("x"), MaxPreviewSize+1)
	out, ok, err := Preview("a.txt", big, []byte("small"))
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if ok || out != "" {
		t.Fatalf("expected Preview to refuse content over MaxPreviewSize, got ok=%v", ok)
	}
}

func TestPreview_RefusesNonUTF8Content(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 0xfd}
	out, ok, err := Preview("a.bin", invalid, []byte("text"))
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if ok || out != "" {
		t.Fatalf("expected Preview to refuse non-UTF8 content, got ok=%v", ok)
	}
}
