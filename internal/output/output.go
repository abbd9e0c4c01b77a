// Package output provides styled terminal output helpers for the demo
// CLI, using lipgloss the way the rest of this codebase's CLI layer
// does. The core engine never imports this package; the sync engine
// itself stays free of any UI surface.
package output

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/relaylink/syncengine/internal/observer"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	phaseStyles  = map[string]lipgloss.Style{
		"IDLE":           subtleStyle,
		"SERVER_SENDING": lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"CLIENT_SENDING": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"FINALIZING":     lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}
)

// Success prints a success message.
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message.
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message.
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an informational message.
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON prints v as indented JSON.
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatPhase renders a session phase with its associated color.
func FormatPhase(phase string) string {
	style, ok := phaseStyles[phase]
	if !ok {
		return phase
	}
	return style.Render(fmt.Sprintf("[%s]", phase))
}

// FormatEvent renders one observer.Event as a single CLI line.
func FormatEvent(ev observer.Event) string {
	label := titleStyle.Render(string(ev.Kind))
	line := fmt.Sprintf("%s %s sent=%d received=%d",
		label, FormatPhase(ev.Snapshot.Phase), ev.Snapshot.RecordsSent, ev.Snapshot.RecordsReceived)
	if ev.Message != "" {
		line += "  " + subtleStyle.Render(ev.Message)
	}
	return line
}
