// Package agentdir validates that an agent's workspace-template directory
// satisfies spec.md §3's invariant: "path resolves to a directory
// containing a required CLAUDE.md-equivalent system-prompt file; this is
// validated on deploy."
package agentdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"

	"github.com/ash-run/bridge/internal/apierr"
)

// SystemPromptFile is the required file name inside an agent directory.
const SystemPromptFile = "CLAUDE.md"

// Validate checks that dir exists, is a directory, and contains a
// SystemPromptFile that parses as well-formed Markdown. It returns the
// file's raw contents on success so callers can log a preview or compute
// a digest without a second read.
func Validate(dir string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, apierr.NotFound("agent directory %s not found: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, apierr.BadState("agent path %s is not a directory", dir)
	}

	promptPath := filepath.Join(dir, SystemPromptFile)
	content, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, apierr.NotFound("agent %s missing %s: %v", dir, SystemPromptFile, err)
	}

	if err := checkMarkdown(content); err != nil {
		return nil, apierr.BadState("agent %s has invalid %s: %v", dir, SystemPromptFile, err)
	}
	return content, nil
}

// checkMarkdown parses content with goldmark and rejects only genuinely
// unparseable input. goldmark's parser is permissive by design (Markdown
// has no reject grammar), so this mainly catches binary/non-UTF8 garbage
// masquerading as a prompt file rather than style issues.
func checkMarkdown(content []byte) error {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(content))
	if doc == nil {
		return fmt.Errorf("empty or unparseable document")
	}
	if doc.ChildCount() == 0 {
		return fmt.Errorf("document has no content")
	}
	return nil
}
