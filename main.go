// Package main provides the entry point for the readaloud CLI application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/bookrill/readaloud/internal/cache"
	"github.com/bookrill/readaloud/tts"
	"github.com/bookrill/readaloud/tts/audio"
	"github.com/bookrill/readaloud/tts/synth"
	"github.com/bookrill/readaloud/ui"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	style      string
	width      uint
	mouse      bool

	serverURL     string
	voice         string
	model         string
	speed         float64
	autoRole      bool
	preloadWindow int

	green   = lipgloss.Color("#04B575")
	keyword = lipgloss.NewStyle().Foreground(green).Render

	rootCmd = &cobra.Command{
		Use:   "readaloud [BOOK]",
		Short: "Read books aloud on the CLI, continuously",
		Long: paragraph(
			fmt.Sprintf("\nRead a book aloud on the CLI, %s.", keyword("one paragraph after the next")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}

	voicesCmd = &cobra.Command{
		Use:   "voices [FILTER]",
		Short: "List voices available on the synthesis server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listVoices,
	}
)

func paragraph(s string) string {
	return lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render(s)
}

// validateStyle checks if the style is a default style, if not, checks that
// the custom style exists.
func validateStyle(style string) error {
	if style != "auto" && styles.DefaultStyles[style] == nil {
		if _, err := os.Stat(style); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("specified style does not exist: %s", style)
		} else if err != nil {
			return fmt.Errorf("unable to stat file: %w", err)
		}
	}
	return nil
}

func validateOptions(cmd *cobra.Command) error {
	// Editing the config must work before a server is configured.
	if cmd.Name() == "config" {
		return nil
	}

	// grab config values from Viper
	width = viper.GetUint("width")
	mouse = viper.GetBool("mouse")
	serverURL = viper.GetString("server")
	model = viper.GetString("model")
	voice = viper.GetString("voice")
	speed = viper.GetFloat64("speed")
	autoRole = viper.GetBool("autoRole")
	preloadWindow = viper.GetInt("preloadWindow")

	if serverURL == "" {
		return errors.New("no synthesis server configured (set --server or READALOUD_SERVER)")
	}
	if speed < 0.25 || speed > 3.0 {
		return fmt.Errorf("speed must be between 0.25 and 3.0, got %.2f", speed)
	}
	if preloadWindow < 1 || preloadWindow > 100 {
		return fmt.Errorf("preload window must be between 1 and 100, got %d", preloadWindow)
	}

	// validate the glamour style
	style = viper.GetString("style")
	if err := validateStyle(style); err != nil {
		return err
	}

	isTerminal := term.IsTerminal(int(os.Stdout.Fd()))
	if !isTerminal && !cmd.Flags().Changed("style") {
		style = "notty"
	}

	// Detect terminal width
	if !cmd.Flags().Changed("width") {
		if isTerminal && width == 0 {
			w, _, err := term.GetSize(int(os.Stdout.Fd()))
			if err == nil {
				width = uint(w) //nolint:gosec
			}

			if width > 120 {
				width = 120
			}
		}
		if width == 0 {
			width = 80
		}
	}
	return nil
}

func execute(_ *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("unable to get absolute path: %w", err)
	}

	book, err := ui.LoadBook(path)
	if err != nil {
		return err
	}
	if len(book.Paragraphs) == 0 {
		return fmt.Errorf("%s has no readable paragraphs", path)
	}

	return runTUI(book)
}

func runTUI(book *ui.Book) error {
	// Read environment to get debugging stuff
	cfg, err := env.ParseAs[ui.Config]()
	if err != nil {
		return fmt.Errorf("error parsing config: %v", err)
	}

	// use style set in env, or the validated flag style if unset
	if err := validateStyle(cfg.GlamourStyle); err != nil {
		cfg.GlamourStyle = style
	}

	cfg.Path = book.Path
	cfg.GlamourMaxWidth = width
	cfg.EnableMouse = mouse

	client := synth.NewClient(serverURL,
		synth.WithToken(viper.GetString("token")),
	)

	engineCfg := tts.DefaultConfig()
	engineCfg.BookID = book.Title
	engineCfg.ChapterID = "1"
	engineCfg.Settings = tts.Settings{
		Model:    model,
		Voice:    voice,
		Speed:    speed,
		RoleMode: autoRole,
	}
	engineCfg.PreloadWindow = preloadWindow

	bridge := ui.NewBridge(book)

	opts := []tts.EngineOption{}
	if dir := cacheDir(); dir != "" {
		disk, err := cache.NewDisk(dir, viper.GetInt64("cacheSize")<<20)
		if err != nil {
			log.Warn("disk cache unavailable", "dir", dir, "error", err)
		} else {
			opts = append(opts, tts.WithDiskCache(disk))
		}
	}

	engine := tts.NewEngine(client, audio.NewOtoPlayer(), bridge, engineCfg, opts...)
	engine.SetParagraphs(book.Paragraphs)

	p := ui.NewProgram(cfg, book, engine, bridge)
	bridge.Attach(p.Send)
	tts.Pump(engine, p.Send)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("unable to run tui program: %w", err)
	}

	return nil
}

func listVoices(_ *cobra.Command, args []string) error {
	client := synth.NewClient(serverURL,
		synth.WithToken(viper.GetString("token")),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	voices, err := client.Voices(ctx, model, "")
	if err != nil {
		return fmt.Errorf("unable to list voices: %w", err)
	}

	if len(args) == 1 && args[0] != "" {
		names := make([]string, len(voices))
		for i, v := range voices {
			names[i] = v.ID + " " + v.Name
		}
		matches := fuzzy.Find(args[0], names)
		filtered := make([]synth.Voice, 0, len(matches))
		for _, m := range matches {
			filtered = append(filtered, voices[m.Index])
		}
		voices = filtered
	}

	for _, v := range voices {
		fmt.Printf("%s\t%s\t%s\t%s\n", keyword(v.ID), v.Name, v.Lang, v.Gender)
	}
	return nil
}

func setupLog() (func() error, error) {
	log.SetOutput(io.Discard)

	// log to a file when requested, useful when the TUI owns the terminal
	if file := os.Getenv("READALOUD_LOGFILE"); file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("error setting up logging: %w", err)
		}
		log.SetOutput(f)
		log.SetLevel(log.DebugLevel)
		return f.Close, nil
	}
	return func() error { return nil }, nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "synthesis server base URL")
	rootCmd.Flags().StringVarP(&style, "style", "s", styles.AutoStyle, "style name or JSON path")
	rootCmd.Flags().UintVarP(&width, "width", "w", 0, "word-wrap at width (set to 0 to disable)")
	rootCmd.Flags().BoolVarP(&mouse, "mouse", "m", false, "enable mouse wheel")
	_ = rootCmd.Flags().MarkHidden("mouse")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "synthesis model")
	rootCmd.PersistentFlags().StringVar(&voice, "voice", "", "voice identifier")
	rootCmd.Flags().Float64Var(&speed, "speed", 0, "speech rate multiplier")
	rootCmd.Flags().BoolVar(&autoRole, "auto-role", false, "detect character roles and switch voices")
	rootCmd.Flags().IntVar(&preloadWindow, "preload-window", 0, "paragraphs of audio to preload ahead")

	// Config bindings
	_ = viper.BindPFlag("style", rootCmd.Flags().Lookup("style"))
	_ = viper.BindPFlag("width", rootCmd.Flags().Lookup("width"))
	_ = viper.BindPFlag("mouse", rootCmd.Flags().Lookup("mouse"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("voice", rootCmd.PersistentFlags().Lookup("voice"))
	_ = viper.BindPFlag("speed", rootCmd.Flags().Lookup("speed"))
	_ = viper.BindPFlag("autoRole", rootCmd.Flags().Lookup("auto-role"))
	_ = viper.BindPFlag("preloadWindow", rootCmd.Flags().Lookup("preload-window"))

	viper.SetDefault("style", styles.AutoStyle)
	viper.SetDefault("width", 0)
	viper.SetDefault("model", "edge")
	viper.SetDefault("voice", "zh-CN-XiaoxiaoNeural")
	viper.SetDefault("speed", 1.0)
	viper.SetDefault("autoRole", false)
	viper.SetDefault("preloadWindow", 20)
	viper.SetDefault("cacheSize", 200)

	rootCmd.AddCommand(configCmd, voicesCmd)
}

func cacheDir() string {
	if dir := viper.GetString("cacheDir"); dir != "" {
		return dir
	}
	scope := gap.NewScope(gap.User, "readaloud")
	dir, err := scope.CacheDir()
	if err != nil {
		log.Warn("could not resolve cache directory", "error", err)
		return ""
	}
	return filepath.Join(dir, "audio")
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "readaloud")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "readaloud")}, dirs...)
	}

	if c := os.Getenv("READALOUD_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("readaloud")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("readaloud")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "readaloud.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
