package tutorial

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smile-run/smile/internal/errs"
)

func writeTutorial(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tutorial: %v", err)
	}
	return path
}

func TestLoad_PlainMarkdown(t *testing.T) {
	path := writeTutorial(t, "tutorial.md", "# Setup\n\nRun `make`.\n")

	tut, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tut.Content != "# Setup\n\nRun `make`.\n" {
		t.Errorf("content = %q", tut.Content)
	}
	if tut.SizeBytes != len(tut.Content) {
		t.Errorf("size_bytes = %d, want %d", tut.SizeBytes, len(tut.Content))
	}
	if len(tut.Images) != 0 {
		t.Errorf("images = %v, want none", tut.Images)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.md"))
	if errs.KindOf(err) != errs.KindTutorialNotFound {
		t.Fatalf("kind = %q, want tutorial_not_found", errs.KindOf(err))
	}
}

func TestLoad_TooLarge(t *testing.T) {
	big := strings.Repeat("a", MaxSize+1)
	path := writeTutorial(t, "big.md", big)

	_, err := Load(path)
	if errs.KindOf(err) != errs.KindTutorialTooLarge {
		t.Fatalf("kind = %q, want tutorial_too_large", errs.KindOf(err))
	}
}

func TestLoad_ExactlyAtLimit(t *testing.T) {
	path := writeTutorial(t, "edge.md", strings.Repeat("a", MaxSize))

	tut, err := Load(path)
	if err != nil {
		t.Fatalf("Load at limit: %v", err)
	}
	if tut.SizeBytes != MaxSize {
		t.Errorf("size_bytes = %d, want %d", tut.SizeBytes, MaxSize)
	}
}

func TestLoad_InvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.md")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff, 0xfe}, 4), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Load(path)
	if errs.KindOf(err) != errs.KindTutorialEncoding {
		t.Fatalf("kind = %q, want tutorial_encoding", errs.KindOf(err))
	}
}

func TestLoad_FrontMatter(t *testing.T) {
	path := writeTutorial(t, "tutorial.md",
		"---\ntitle: Git Basics\ndescription: First steps\ntags: [git, vcs]\n---\n# Git Basics\n")

	tut, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tut.Meta.Title != "Git Basics" {
		t.Errorf("title = %q", tut.Meta.Title)
	}
	if tut.Meta.Description != "First steps" {
		t.Errorf("description = %q", tut.Meta.Description)
	}
	if len(tut.Meta.Tags) != 2 || tut.Meta.Tags[0] != "git" {
		t.Errorf("tags = %v", tut.Meta.Tags)
	}
	if tut.Content != "# Git Basics\n" {
		t.Errorf("content = %q, front matter should be stripped", tut.Content)
	}
}

func TestLoad_MalformedFrontMatter(t *testing.T) {
	path := writeTutorial(t, "tutorial.md", "---\ntitle: [unterminated\n---\nbody\n")

	_, err := Load(path)
	if errs.KindOf(err) != errs.KindTutorialEncoding {
		t.Fatalf("kind = %q, want tutorial_encoding", errs.KindOf(err))
	}
}

func TestLoad_UnterminatedFrontMatterTreatedAsBody(t *testing.T) {
	content := "---\nnot actually front matter\n"
	path := writeTutorial(t, "tutorial.md", content)

	tut, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tut.Content != content {
		t.Errorf("content = %q, want untouched body", tut.Content)
	}
}

func TestLoad_ImageReferences(t *testing.T) {
	path := writeTutorial(t, "tutorial.md", strings.Join([]string{
		"![diagram](images/flow.png)",
		"![photo](shot.JPEG)",
		"![icon](logo.svg)",
		"![anim](demo.gif)",
		"![remote](https://example.com/pic.png)",
		"![unsupported](scan.bmp)",
	}, "\n"))

	tut, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tut.Images) != 4 {
		t.Fatalf("images = %d, want 4: %v", len(tut.Images), tut.Images)
	}
	dir := filepath.Dir(path)
	want := []struct {
		ref, format string
	}{
		{"images/flow.png", "png"},
		{"shot.JPEG", "jpg"},
		{"logo.svg", "svg"},
		{"demo.gif", "gif"},
	}
	for i, w := range want {
		img := tut.Images[i]
		if img.Reference != w.ref || img.Format != w.format {
			t.Errorf("image %d = %+v, want ref %q format %q", i, img, w.ref, w.format)
		}
		if !strings.HasPrefix(img.ResolvedPath, dir) {
			t.Errorf("image %d resolved outside tutorial dir: %q", i, img.ResolvedPath)
		}
	}
}
