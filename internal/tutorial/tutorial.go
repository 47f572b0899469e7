// Package tutorial loads and validates the markdown tutorial under test:
// size and encoding checks, optional YAML front matter, and image
// references for later mounting into the sandbox.
package tutorial

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/smile-run/smile/internal/errs"
)

// MaxSize is the largest accepted tutorial file (100KB). Bigger files are
// rejected rather than truncated.
const MaxSize = 100 * 1024

// Meta is the optional YAML front matter at the top of a tutorial.
type Meta struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// Image is a markdown image reference with its resolved location.
type Image struct {
	Reference    string `json:"reference"`
	ResolvedPath string `json:"resolved_path"`
	Format       string `json:"format"`
}

// Tutorial is a loaded, validated tutorial file.
type Tutorial struct {
	Path      string  `json:"path"`
	Content   string  `json:"content"`
	Meta      Meta    `json:"meta"`
	Images    []Image `json:"images"`
	SizeBytes int     `json:"size_bytes"`
}

var imageRefPattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)`)

// Load reads and validates the tutorial at path.
func Load(path string) (*Tutorial, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindTutorialNotFound,
			fmt.Sprintf("tutorial file %q not found", path),
			"Check the path in smile.json or pass -tutorial explicitly", err)
	}
	if info.Size() > MaxSize {
		return nil, errs.New(errs.KindTutorialTooLarge,
			fmt.Sprintf("tutorial file %q is %d bytes, the limit is %d", path, info.Size(), MaxSize),
			"Split the tutorial into smaller parts and validate them separately")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO,
			fmt.Sprintf("failed to read tutorial file %q", path), "", err)
	}
	if !utf8.Valid(raw) {
		return nil, errs.New(errs.KindTutorialEncoding,
			fmt.Sprintf("tutorial file %q is not valid UTF-8", path),
			"Re-save the file as UTF-8 text")
	}

	content := string(raw)
	meta, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, err
	}

	t := &Tutorial{
		Path:      path,
		Content:   body,
		Meta:      meta,
		SizeBytes: len(raw),
	}
	t.Images = extractImages(path, body)
	return t, nil
}

// splitFrontMatter strips an optional leading YAML block delimited by ---
// lines and returns the parsed metadata and the remaining markdown.
func splitFrontMatter(content string) (Meta, string, error) {
	var meta Meta
	if !strings.HasPrefix(content, "---\n") {
		return meta, content, nil
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, content, nil
	}
	block := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return meta, "", errs.Wrap(errs.KindTutorialEncoding,
			"tutorial front matter is not valid YAML",
			"Fix the metadata block between the --- markers", err)
	}
	return meta, body, nil
}

// extractImages collects local image references from the markdown. Remote
// URLs are skipped; the sandbox only mounts local files.
func extractImages(tutorialPath, body string) []Image {
	dir := filepath.Dir(tutorialPath)
	var images []Image
	for _, m := range imageRefPattern.FindAllStringSubmatch(body, -1) {
		ref := m[1]
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			continue
		}
		format := formatFromExtension(ref)
		if format == "" {
			continue
		}
		images = append(images, Image{
			Reference:    ref,
			ResolvedPath: filepath.Join(dir, filepath.FromSlash(ref)),
			Format:       format,
		})
	}
	return images
}

func formatFromExtension(ref string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(ref), ".")) {
	case "png":
		return "png"
	case "jpg", "jpeg":
		return "jpg"
	case "gif":
		return "gif"
	case "svg":
		return "svg"
	}
	return ""
}
