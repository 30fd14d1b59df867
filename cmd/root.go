// Package cmd builds the birdcam command tree
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdcam-go/cmd/config"
	"github.com/tphakala/birdcam-go/cmd/migrate"
	"github.com/tphakala/birdcam-go/cmd/process"
	"github.com/tphakala/birdcam-go/cmd/relabel"
	"github.com/tphakala/birdcam-go/internal/analysis"
	"github.com/tphakala/birdcam-go/internal/buildinfo"
	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/telemetry"
)

// App holds state shared by every command. Settings is filled in before any
// command runs.
type App struct {
	Settings *conf.Settings
	Build    *buildinfo.Context

	viper      *viper.Viper
	configFile string
	log        *logger.CentralLogger
}

// flagBindings maps root flags to configuration keys
var flagBindings = map[string]string{
	"model":       "model_path",
	"model-type":  "model_type",
	"input-dir":   "input_dir",
	"output-dir":  "output_dir",
	"port":        "port",
	"debug":       "debug",
	"device":      "device",
	"development": "development",
}

// RootCommand creates the root command. Running it without a subcommand
// starts the watcher and the HTTP API.
func RootCommand(build *buildinfo.Context) (*cobra.Command, *App, error) {
	v, err := conf.NewViper()
	if err != nil {
		return nil, nil, err
	}
	app := &App{Settings: &conf.Settings{}, Build: build, viper: v}

	var processExisting, noServer bool

	rootCmd := &cobra.Command{
		Use:           "birdcam",
		Short:         "Bird detection for camera trap photos",
		Long:          "Watch a directory for new photos, detect and classify birds in them and serve the results over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.serve(cmd, processExisting, noServer)
		},
	}

	if err := setupFlags(rootCmd, app); err != nil {
		return nil, nil, err
	}
	rootCmd.Flags().BoolVar(&processExisting, "process-existing", false, "Process files already in the input directory at startup")
	rootCmd.Flags().BoolVar(&noServer, "no-server", false, "Run the watcher without the HTTP API")

	versionCmd := versionCommand(build)
	rootCmd.AddCommand(
		process.Command(app.Settings),
		relabel.Command(app.Settings),
		migrate.Command(app.Settings),
		config.Command(app.Settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() || cmd.Annotations[config.SkipLoadAnnotation] == "true" {
			return nil
		}
		return app.initialize()
	}

	return rootCmd, app, nil
}

// setupFlags defines the global flags and binds them to configuration keys
func setupFlags(rootCmd *cobra.Command, app *App) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "Path to config.yaml (default: search ./, ~/.config/birdcam-go, /etc/birdcam-go)")
	flags.String("model", "", "Path to the model file")
	flags.String("model-type", "", "Model type: mobilenet or yolo")
	flags.String("input-dir", "", "Directory watched for new images")
	flags.String("output-dir", "", "Root of the output tree")
	flags.Int("port", 0, "HTTP port")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("device", "", "Inference device: cpu or cuda")
	flags.Bool("development", false, "Use the mock inference backend")

	for flag, key := range flagBindings {
		if err := app.viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// initialize loads settings and sets up logging and telemetry
func (a *App) initialize() error {
	if err := conf.LoadDotEnv(""); err != nil {
		return err
	}

	settings, err := conf.Load(a.viper, a.configFile)
	if err != nil {
		return err
	}
	settings.Version = a.Build.GetVersion()

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	*a.Settings = *settings

	cl, err := logger.NewCentralLogger(&a.Settings.Logging, nil)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}
	logger.SetGlobal(cl)
	a.log = cl

	return telemetry.Init(a.Settings.Telemetry, a.Settings.Version)
}

// serve runs the long-lived service until SIGINT or SIGTERM
func (a *App) serve(cmd *cobra.Command, processExisting, noServer bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Global().Module("main").Info("starting birdcam", logger.String("version", a.Build.GetVersion()))

	svc, err := analysis.New(a.Settings, analysis.Options{
		ProcessExisting: processExisting,
		NoServer:        noServer,
	})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	return svc.Run(ctx)
}

// Close flushes telemetry and the log file
func (a *App) Close() {
	telemetry.Flush(telemetry.DefaultFlushTimeout)
	if a.log != nil {
		_ = a.log.Close()
	}
}

func versionCommand(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(build.String())
		},
	}
}
