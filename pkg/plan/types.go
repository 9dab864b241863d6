package plan

import (
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
)

// Frontmatter carries optional plan metadata from the YAML block.
type Frontmatter struct {
	Title    string         `yaml:"title,omitempty"`
	Phase    string         `yaml:"phase,omitempty"`
	Metadata map[string]any `yaml:",inline"`
}

// Item is one checklist entry.
type Item struct {
	Text       string
	Checked    bool
	LineNumber int
}

// Document is a parsed plan checklist.
type Document struct {
	Path        string
	Frontmatter Frontmatter
	Items       []Item
}

// Total returns the number of checklist items.
func (d *Document) Total() int {
	return len(d.Items)
}

// Completed returns the number of checked items.
func (d *Document) Completed() int {
	n := 0
	for _, item := range d.Items {
		if item.Checked {
			n++
		}
	}
	return n
}

// Remaining returns the number of unchecked items.
func (d *Document) Remaining() int {
	return d.Total() - d.Completed()
}

// Complete reports whether every tracked item is checked off. An empty plan
// is never complete; it just means nothing is being tracked.
func (d *Document) Complete() bool {
	total := d.Total()
	return total > 0 && d.Completed() == total
}

// Checker re-reads the plan file on every call so items the agent just
// checked off count immediately. Implements the aggregator's plan interface.
type Checker struct {
	path   string
	logger *logx.Logger
}

// NewChecker creates a checker bound to a plan file path.
func NewChecker(path string) *Checker {
	return &Checker{
		path:   path,
		logger: logx.NewLogger("plan"),
	}
}

// Complete reloads the plan and reports full completion. Unreadable plans
// count as incomplete.
func (c *Checker) Complete() bool {
	doc, err := Load(c.path)
	if err != nil {
		c.logger.Warn("failed to load plan %s: %v", c.path, err)
		return false
	}
	return doc.Complete()
}
