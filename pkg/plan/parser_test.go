package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse_ChecklistItems verifies checkbox lines are collected with state.
func TestParse_ChecklistItems(t *testing.T) {
	markdown := `# Implementation Plan

- [x] Wire the config loader
- [ ] Add the retry path
- [X] Ship the classifier
* [ ] Bullet-style item
Some prose that is not an item.
`
	doc, err := Parse(markdown)
	require.NoError(t, err)
	require.Len(t, doc.Items, 4)

	assert.Equal(t, "Wire the config loader", doc.Items[0].Text)
	assert.True(t, doc.Items[0].Checked)
	assert.Equal(t, "Add the retry path", doc.Items[1].Text)
	assert.False(t, doc.Items[1].Checked)
	assert.True(t, doc.Items[2].Checked)
	assert.False(t, doc.Items[3].Checked)

	assert.Equal(t, 4, doc.Total())
	assert.Equal(t, 2, doc.Completed())
	assert.Equal(t, 2, doc.Remaining())
	assert.False(t, doc.Complete())
}

// TestParse_Frontmatter verifies the optional YAML block is decoded.
func TestParse_Frontmatter(t *testing.T) {
	markdown := `---
title: Storage rewrite
phase: two
owner: platform
---
- [ ] Migrate the schema
`
	doc, err := Parse(markdown)
	require.NoError(t, err)

	assert.Equal(t, "Storage rewrite", doc.Frontmatter.Title)
	assert.Equal(t, "two", doc.Frontmatter.Phase)
	assert.Equal(t, "platform", doc.Frontmatter.Metadata["owner"])
	require.Len(t, doc.Items, 1)
}

// TestParse_FrontmatterOptional verifies plans without frontmatter parse.
func TestParse_FrontmatterOptional(t *testing.T) {
	doc, err := Parse("- [x] Only item\n")
	require.NoError(t, err)
	require.Len(t, doc.Items, 1)
	assert.True(t, doc.Complete())
}

// TestParse_UnterminatedFrontmatterIsBody verifies a lone --- line does not
// swallow the document.
func TestParse_UnterminatedFrontmatterIsBody(t *testing.T) {
	doc, err := Parse("---\n- [ ] item under a stray divider\n- [x] second\n")
	require.NoError(t, err)
	assert.Len(t, doc.Items, 2)
}

// TestParse_BadFrontmatterYAML verifies malformed YAML is an error.
func TestParse_BadFrontmatterYAML(t *testing.T) {
	_, err := Parse("---\ntitle: [unclosed\n---\n- [ ] item\n")
	assert.Error(t, err)
}

// TestComplete_EmptyPlanNeverComplete verifies zero items is not completion.
func TestComplete_EmptyPlanNeverComplete(t *testing.T) {
	doc, err := Parse("just prose, no checklist\n")
	require.NoError(t, err)
	assert.False(t, doc.Complete())
}

// TestLoad_MissingFileYieldsEmptyDocument verifies absence degrades quietly.
func TestLoad_MissingFileYieldsEmptyDocument(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "absent.md"))
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Total())
	assert.False(t, doc.Complete())
}

// TestLoad_ReadsFromDisk verifies the path round trip.
func TestLoad_ReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IMPLEMENTATION_PLAN.md")
	content := "- [x] a\n- [x] b\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, doc.Path)
	assert.True(t, doc.Complete())
}

// TestChecker_ReloadsEachCall verifies freshly checked items count.
func TestChecker_ReloadsEachCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] item\n"), 0o644))

	checker := NewChecker(path)
	assert.False(t, checker.Complete())

	require.NoError(t, os.WriteFile(path, []byte("- [x] item\n"), 0o644))
	assert.True(t, checker.Complete())
}

// TestChecker_MissingPlanIncomplete verifies no plan means no exit signal.
func TestChecker_MissingPlanIncomplete(t *testing.T) {
	checker := NewChecker(filepath.Join(t.TempDir(), "absent.md"))
	assert.False(t, checker.Complete())
}

// TestParse_ItemLineNumbers verifies line positions are tracked.
func TestParse_ItemLineNumbers(t *testing.T) {
	markdown := "# Plan\n\n- [ ] first\n\n- [x] second\n"
	doc, err := Parse(markdown)
	require.NoError(t, err)
	require.Len(t, doc.Items, 2)
	assert.Equal(t, 3, doc.Items[0].LineNumber)
	assert.Equal(t, 5, doc.Items[1].LineNumber)
}
