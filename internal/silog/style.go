package silog

import "github.com/charmbracelet/lipgloss"

// Style controls the rendering of a [Logger]'s output:
// level labels, message text, and key-value attributes.
//
// Use [DefaultStyle] for colored output on a terminal,
// or [PlainStyle] for uncolored output (e.g. to a file or pipe).
type Style struct {
	// LevelLabels holds the short label rendered for each log level
	// (e.g. "INF", "ERR").
	LevelLabels ByLevel[lipgloss.Style]

	// Messages holds the style applied to the log message text
	// for each log level.
	Messages ByLevel[lipgloss.Style]

	// Key is the style applied to attribute keys.
	Key lipgloss.Style

	// Values holds styles for specific attribute keys.
	// Keys not present here are rendered unstyled.
	Values map[string]lipgloss.Style

	// KeyValueDelimiter separates an attribute's key from its value
	// (typically "=").
	KeyValueDelimiter lipgloss.Style

	// PrefixDelimiter separates a logger's prefix from the message
	// that follows it.
	PrefixDelimiter lipgloss.Style

	// MultilinePrefix is rendered at the start of each line
	// of a multi-line attribute value.
	MultilinePrefix lipgloss.Style
}

// DefaultStyle builds the Style used for terminal output:
// colored level labels and dimmed delimiters.
func DefaultStyle() *Style {
	return &Style{
		LevelLabels: ByLevel[lipgloss.Style]{
			Debug: lipgloss.NewStyle().SetString("DBG").Bold(true).Foreground(lipgloss.Color("63")),
			Info:  lipgloss.NewStyle().SetString("INF").Bold(true).Foreground(lipgloss.Color("42")),
			Warn:  lipgloss.NewStyle().SetString("WRN").Bold(true).Foreground(lipgloss.Color("214")),
			Error: lipgloss.NewStyle().SetString("ERR").Bold(true).Foreground(lipgloss.Color("204")),
			Fatal: lipgloss.NewStyle().SetString("FTL").Bold(true).Foreground(lipgloss.Color("255")).Background(lipgloss.Color("204")),
		},
		Messages: ByLevel[lipgloss.Style]{
			Debug: lipgloss.NewStyle(),
			Info:  lipgloss.NewStyle(),
			Warn:  lipgloss.NewStyle(),
			Error: lipgloss.NewStyle(),
			Fatal: lipgloss.NewStyle().Bold(true),
		},
		Key:               lipgloss.NewStyle().Faint(true),
		Values:            make(map[string]lipgloss.Style),
		KeyValueDelimiter: lipgloss.NewStyle().SetString("="),
		PrefixDelimiter:   lipgloss.NewStyle().SetString(": ").Faint(true),
		MultilinePrefix:   lipgloss.NewStyle().SetString("  | ").Faint(true),
	}
}

// PlainStyle builds the Style used for non-terminal output:
// the same layout as DefaultStyle, but without color or emphasis.
// This is the style used when output is redirected to a file or pipe.
func PlainStyle() *Style {
	return &Style{
		LevelLabels: ByLevel[lipgloss.Style]{
			Debug: lipgloss.NewStyle().SetString("DBG"),
			Info:  lipgloss.NewStyle().SetString("INF"),
			Warn:  lipgloss.NewStyle().SetString("WRN"),
			Error: lipgloss.NewStyle().SetString("ERR"),
			Fatal: lipgloss.NewStyle().SetString("FTL"),
		},
		Messages: ByLevel[lipgloss.Style]{
			Debug: lipgloss.NewStyle(),
			Info:  lipgloss.NewStyle(),
			Warn:  lipgloss.NewStyle(),
			Error: lipgloss.NewStyle(),
			Fatal: lipgloss.NewStyle(),
		},
		Key:               lipgloss.NewStyle(),
		Values:            make(map[string]lipgloss.Style),
		KeyValueDelimiter: lipgloss.NewStyle().SetString("="),
		PrefixDelimiter:   lipgloss.NewStyle().SetString(": "),
		MultilinePrefix:   lipgloss.NewStyle().SetString("  | "),
	}
}
