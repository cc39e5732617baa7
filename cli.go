package gcalnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/gcreds4aws"
	"github.com/mashiike/slogutils"
	"google.golang.org/api/option"
)

// Version is overridden at build time with -ldflags.
var Version = "current"

// CLI is the command-line interface for gcalnotify.
//
// Use the Run method to execute the CLI:
//
//	var cli gcalnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - serve: Start the webhook server (default)
//   - list: List registered notification channels
//   - maintain: Create missing channels and rotate expiring ones
//   - sync: Force synchronization of all channels
//   - cleanup: Remove all notification channels
//   - validate: Validate configuration files
type CLI struct {
	LogLevel    string            `help:"log level" default:"info" env:"GCALNOTIFY_LOG_LEVEL"`
	LogFormat   string            `help:"log format" default:"text" enum:"text,json" env:"GCALNOTIFY_LOG_FORMAT"`
	LogColor    bool              `help:"enable color output" default:"true" env:"GCALNOTIFY_LOG_COLOR" negatable:""`
	Version     kong.VersionFlag  `help:"show version"`
	Config      []string          `help:"config file path, can set multiple" env:"GCALNOTIFY_CONFIG"`
	Webhook     string            `help:"webhook address (overrides config)" env:"GCALNOTIFY_WEBHOOK"`
	Storage     StorageOption     `embed:"" prefix:"storage-"`
	Sink        SinkOption        `embed:"" prefix:"sink-"`
	Credentials CredentialsOption `embed:"" prefix:"credentials-"`

	List     ListOption     `cmd:"" help:"list notification channels"`
	Serve    ServeOption    `cmd:"" help:"serve webhook server" default:"true"`
	Maintain MaintainOption `cmd:"" help:"create missing notification channels and rotate channels close to expiration"`
	Cleanup  CleanupOption  `cmd:"" help:"remove all notification channels"`
	Sync     SyncOption     `cmd:"" help:"force sync notification channels; renew expiring channels, register missing ones and pull all pending events"`
	Validate ValidateOption `cmd:"" help:"validate configuration files"`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	Config []string `arg:"" name:"config-file" optional:"" help:"config file paths (override --config)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("gcalnotify"),
		kong.Description("gcalnotify is a tool for managing push notification channels for Google Calendar."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	if cmd == "version" {
		fmt.Printf("gcalnotify version %s\n", Version)
		return nil
	}
	// validate command doesn't need App initialization
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
		if err := gcreds4aws.Close(); err != nil {
			slog.WarnContext(ctx, "gcreds cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "list":
		return app.List(ctx, c.List)
	case "serve", "":
		return app.Serve(ctx, c.Serve)
	case "maintain":
		return app.Maintain(ctx, c.Maintain)
	case "cleanup":
		return app.Cleanup(ctx, c.Cleanup)
	case "sync":
		return app.Sync(ctx, c.Sync)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	paths := c.Validate.Config
	if len(paths) == 0 {
		paths = c.Config
	}
	if len(paths) == 0 {
		return fmt.Errorf("no configuration file specified; use --config or provide a path as argument")
	}

	cfg := DefaultConfig()
	if err := cfg.Load(ctx, paths...); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if len(cfg.Rules) > 0 {
		env, err := NewCELEnv()
		if err != nil {
			return fmt.Errorf("create CEL environment: %w", err)
		}
		if _, err := NewEventFilter(env, cfg.Rules); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	slog.InfoContext(ctx, "configuration is valid",
		"calendars", len(cfg.Calendars),
		"rules", len(cfg.Rules),
		"expiration", cfg.Expiration,
	)
	for i, rule := range cfg.Rules {
		slog.InfoContext(ctx, "rule validated",
			"index", i,
			"when", rule.When,
			"skip", rule.Skip,
		)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	cfg := DefaultConfig()
	if err := cfg.Load(ctx, c.Config...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.Webhook != "" {
		cfg.Webhook = c.Webhook
	}
	storage, err := NewStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	sink, err := NewEventSink(ctx, c.Sink)
	if err != nil {
		return nil, fmt.Errorf("create EventSink: %w", err)
	}
	credentials, err := NewCredentialsBackend(ctx, c.Credentials)
	if err != nil {
		return nil, fmt.Errorf("create CredentialsBackend: %w", err)
	}
	gcpOpts, err := credentials.WithCredentialsClientOption(ctx, []option.ClientOption{
		gcreds4aws.WithCredentials(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve Google credentials: %w", err)
	}
	return New(cfg, storage, sink, gcpOpts...)
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	var addSource bool
	if level == slog.LevelDebug {
		addSource = true
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: addSource,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}
