package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cochaviz/waydroid-atv/config"
	"github.com/cochaviz/waydroid-atv/internal/gate"
	"github.com/cochaviz/waydroid-atv/internal/logging"
	"github.com/cochaviz/waydroid-atv/internal/setup"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(&levelVar)
	root := app.rootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	levelVar *slog.LevelVar
	logger   *slog.Logger

	logLevel     string
	logFormat    string
	configPath   string
	release      string
	kernelChoice string
	readmePath   string
	uninstall    bool
	writeReadme  bool
}

func newApp(levelVar *slog.LevelVar) *app {
	return &app{
		levelVar: levelVar,
		logger:   logging.NewCLI(os.Stderr, levelVar),
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "waydroid-atv",
		Short: "Install Waydroid with an Android TV image",
		Long: "Installs Waydroid and an Android TV (LineageOS) image on Debian and Ubuntu based\n" +
			"systems, including the Raspberry Pi, and adds a launcher to the application menu.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          a.runRoot,
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", defaultLogFormat, "Log output format (text, json, color)")
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultSettingsPath, "Settings file; defaults apply when it does not exist")
	root.PersistentPreRunE = a.configureLogging

	root.Flags().BoolVar(&a.uninstall, "uninstall", false, "Remove waydroid, the images and the launcher")
	root.Flags().BoolVar(&a.writeReadme, "write-readme", false, "Write the usage notes to --readme-path and exit")
	root.Flags().StringVar(&a.readmePath, "readme-path", config.DefaultReadmePath, "Destination of --write-readme")
	root.Flags().StringVar(&a.kernelChoice, "kernel-choice", string(gate.ChoiceAsk), "Answer for the Raspberry Pi 5 16K kernel question (ask, switch, keep)")
	root.Flags().StringVar(&a.release, "release", "", "Android TV image release tag (overrides the settings file)")
	root.MarkFlagsMutuallyExclusive("uninstall", "write-readme")

	root.AddCommand(a.launchCommand())
	return root
}

func (a *app) configureLogging(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	mode, err := logging.ParseMode(a.logFormat)
	if err != nil {
		return err
	}
	a.levelVar.Set(level)

	a.logger = logging.New(mode, cmd.ErrOrStderr(), a.levelVar).With("run_id", uuid.New().String())
	slog.SetDefault(a.logger)
	setup.SetLogger(a.logger.With(logging.ComponentKey, "setup"))
	return nil
}

func (a *app) settings() (config.Settings, error) {
	settings, found, err := config.LoadSettings(a.configPath)
	if err != nil {
		return config.Settings{}, err
	}
	if a.release != "" {
		settings.ReleaseTag = a.release
		if err := settings.Validate(); err != nil {
			return config.Settings{}, err
		}
	}
	a.logger.Debug("settings loaded", "path", a.configPath, "found", found, "release", settings.ReleaseTag)
	return settings, nil
}

func (a *app) runRoot(cmd *cobra.Command, _ []string) error {
	if a.writeReadme {
		if err := config.WriteReadme(a.readmePath); err != nil {
			return err
		}
		a.logger.Info("readme written", "path", a.readmePath)
		return nil
	}

	settings, err := a.settings()
	if err != nil {
		return err
	}

	if a.uninstall {
		result, err := config.Uninstall(cmd.Context(), settings, a.logger)
		if err != nil {
			return err
		}
		a.logger.Info("uninstall finished", "removed", len(result.Removed))
		return nil
	}

	choice, err := gate.ParseChoice(a.kernelChoice)
	if err != nil {
		return err
	}
	result, err := config.Install(cmd.Context(), settings, choice, a.logger)
	if err != nil {
		return err
	}

	if result.Verdict == gate.RebootRequired {
		a.logger.Warn("reboot now, then run waydroid-atv again to finish the installation")
		return nil
	}
	a.logger.Info("installation complete",
		"launcher", setup.LauncherScript,
		"images", setup.ExtraImagesDir,
		"image_url", result.Report.ImageURL,
	)
	if result.RebootRecommended {
		a.logger.Warn("kernel command line changed; reboot before starting Android TV")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Start Android TV as your normal user with %s or from the application menu.\n", setup.LauncherScript)
	return nil
}

func (a *app) launchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Start the Waydroid session, wait for Android to boot and open the UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := a.settings()
			if err != nil {
				return err
			}
			return config.Launch(cmd.Context(), settings, a.logger.With("command", "launch"))
		},
	}
}
