// Package plan parses the implementation plan checklist that tracks the
// agent's remaining work: optional YAML frontmatter followed by markdown
// checkbox items.
package plan

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// Regex patterns for parsing.
	frontmatterDelimiter = regexp.MustCompile(`^---\s*$`)
	checkboxPattern      = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s+(.+)$`)
)

// Load reads and parses the plan file at path. A missing file yields an
// empty document, not an error; the loop runs fine without a plan.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{Path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	doc, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// Parse parses plan markdown into a Document.
func Parse(markdown string) (*Document, error) {
	doc := &Document{}

	// Frontmatter is optional; without an opening delimiter the whole
	// content is body.
	body := markdown
	if frontmatter, rest, ok := splitFrontmatter(markdown); ok {
		if err := yaml.Unmarshal([]byte(frontmatter), &doc.Frontmatter); err != nil {
			return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
		}
		body = rest
	}

	if err := parseBody(body, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// splitFrontmatter extracts the YAML frontmatter block when the document
// opens with a --- delimiter. ok is false when there is no such block.
//
//nolint:gocritic // Separate return values are clearer than a struct here.
func splitFrontmatter(markdown string) (frontmatter string, body string, ok bool) {
	lines := strings.Split(markdown, "\n")
	if len(lines) < 3 || !frontmatterDelimiter.MatchString(strings.TrimSpace(lines[0])) {
		return "", "", false
	}

	closingIdx := -1
	for i := 1; i < len(lines); i++ {
		if frontmatterDelimiter.MatchString(strings.TrimSpace(lines[i])) {
			closingIdx = i
			break
		}
	}
	if closingIdx == -1 {
		return "", "", false
	}

	frontmatter = strings.Join(lines[1:closingIdx], "\n")
	body = strings.Join(lines[closingIdx+1:], "\n")
	return frontmatter, body, true
}

// parseBody collects checklist items from the markdown body. Everything
// that is not a checkbox line is ignored.
func parseBody(body string, doc *Document) error {
	scanner := bufio.NewScanner(strings.NewReader(body))
	lineNum := 0

	for scanner.Scan() {
		line := scanner.Text()
		lineNum++

		matches := checkboxPattern.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		doc.Items = append(doc.Items, Item{
			Text:       strings.TrimSpace(matches[2]),
			Checked:    matches[1] != " ",
			LineNumber: lineNum,
		})
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}
