package util

import (
	"strings"
	"text/tabwriter"
)

// TabbedStringBuilder builds a table of left-aligned columns separated by at least padding spaces.
// Writes go to a strings.Builder, so unlike a bare tabwriter.Writer it never returns errors.
type TabbedStringBuilder struct {
	sb     *strings.Builder
	writer *tabwriter.Writer
}

func NewTabbedStringBuilder(padding int) *TabbedStringBuilder {
	sb := &strings.Builder{}
	return &TabbedStringBuilder{
		sb:     sb,
		writer: tabwriter.NewWriter(sb, 0, 8, padding, ' ', 0),
	}
}

// Row writes one line of the table. Cells must not contain tabs or newlines.
func (t *TabbedStringBuilder) Row(cells ...string) {
	_, _ = t.writer.Write([]byte(strings.Join(cells, "\t") + "\n"))
}

// String flushes the table and returns everything written so far.
func (t *TabbedStringBuilder) String() string {
	_ = t.writer.Flush()
	return t.sb.String()
}
