package ui

// Config contains TUI-specific configuration.
type Config struct {
	GlamourStyle    string `env:"GLAMOUR_STYLE"`
	GlamourMaxWidth uint
	GlamourEnabled  bool `env:"READALOUD_ENABLE_GLAMOUR" envDefault:"true"`
	ShowLineNumbers bool
	EnableMouse     bool

	// Path of the book file being read.
	Path string
}
