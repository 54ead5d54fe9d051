package runner

import "github.com/charmbracelet/lipgloss"

var (
	colorGreen  = lipgloss.Color("#00BA7C")
	colorRed    = lipgloss.Color("#F4212E")
	colorYellow = lipgloss.Color("#FFD400")
	colorBlue   = lipgloss.Color("#1D9BF0")
	colorDim    = lipgloss.Color("#5B6670")
	colorMuted  = lipgloss.Color("#8899A6")
	colorText   = lipgloss.Color("#E7E9EA")
)

// Styles holds the TUI palette.
type Styles struct {
	Bold           lipgloss.Style
	Dim            lipgloss.Style
	Muted          lipgloss.Style
	Path           lipgloss.Style
	CaseName       lipgloss.Style
	Running        lipgloss.Style
	Pass           lipgloss.Style
	Fail           lipgloss.Style
	Warn           lipgloss.Style
	Error          lipgloss.Style
	ProgressFilled lipgloss.Style
	ProgressEmpty  lipgloss.Style

	SymbolPass string
	SymbolFail string
	SymbolWarn string
}

// DefaultStyles returns the default palette.
func DefaultStyles() *Styles {
	return &Styles{
		Bold:           lipgloss.NewStyle().Bold(true),
		Dim:            lipgloss.NewStyle().Foreground(colorDim),
		Muted:          lipgloss.NewStyle().Foreground(colorMuted),
		Path:           lipgloss.NewStyle().Foreground(colorMuted).Underline(true),
		CaseName:       lipgloss.NewStyle().Foreground(colorText),
		Running:        lipgloss.NewStyle().Foreground(colorBlue),
		Pass:           lipgloss.NewStyle().Foreground(colorGreen),
		Fail:           lipgloss.NewStyle().Foreground(colorRed),
		Warn:           lipgloss.NewStyle().Foreground(colorYellow),
		Error:          lipgloss.NewStyle().Foreground(colorRed).Bold(true),
		ProgressFilled: lipgloss.NewStyle().Foreground(colorBlue),
		ProgressEmpty:  lipgloss.NewStyle().Foreground(colorDim),

		SymbolPass: "✓",
		SymbolFail: "✗",
		SymbolWarn: "!",
	}
}

// SpinnerFrames returns the frames of the running indicator.
func SpinnerFrames() []string {
	return []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
}

// ProgressChars returns the filled and empty progress bar cells.
func ProgressChars() (string, string) {
	return "━", "─"
}
