package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/repotools/depsync/internal/cfg"
	"github.com/repotools/depsync/internal/gerrit"
	"github.com/repotools/depsync/internal/gitcmd"
	"github.com/repotools/depsync/internal/logfields"
	"github.com/repotools/depsync/internal/notify"
	"github.com/repotools/depsync/internal/updater"
)

const appName = "depsync"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

type arguments struct {
	Product     *string
	Branch      *string
	ProductRef  *string
	StageAsBot  *bool
	ManualStage *bool
	Summarize   *bool
	Reset       *bool
	Autorun     *bool
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/depsync/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Product: pflag.String(
			"product",
			"platform/manifest",
			"name of the product repository whose submodules are updated",
		),
		Branch: pflag.StringP(
			"branch",
			"b",
			"",
			"branch to run the dependency update for",
		),
		ProductRef: pflag.String(
			"product-ref",
			"",
			"fetch the product repository from this ref instead of the branch head",
		),
		StageAsBot: pflag.Bool(
			"stage-as-bot",
			false,
			"push and stage changes with the configured bot identity",
		),
		ManualStage: pflag.Bool(
			"manual-stage",
			false,
			"create review changes but leave approving and staging to a human",
		),
		Summarize: pflag.Bool(
			"summarize",
			false,
			"print the state of the current update batch and exit",
		),
		Reset: pflag.Bool(
			"reset",
			false,
			"discard the persisted state of the current update batch and exit",
		),
		Autorun: pflag.Bool(
			"autorun",
			false,
			"process all branches listed in the autorun section of the configuration file",
		),
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the depsync configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nPropagate dependency updates through the modules of a product repository.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

// mustSetupBotIdentity makes git and gerrit commands of this process run with
// the configured bot identity instead of the invoking user.
func mustSetupBotIdentity(config *cfg.Config) {
	if config.BotUser == "" || config.BotSSHKeyFile == "" {
		exitOnErr("configuring bot identity",
			errors.New("bot_user and bot_ssh_key_file must be set in the configuration file"))
	}

	os.Setenv("GIT_SSH_COMMAND", fmt.Sprintf("ssh -i %s -oBatchMode=yes", config.BotSSHKeyFile))

	os.Setenv("GIT_AUTHOR_NAME", config.BotUser)
	os.Setenv("GIT_AUTHOR_EMAIL", config.BotUser+"@"+config.GerritHost)
	os.Setenv("GIT_COMMITTER_NAME", config.BotUser)
	os.Setenv("GIT_COMMITTER_EMAIL", config.BotUser+"@"+config.GerritHost)

	logger.Info("using bot identity",
		logfields.Event("bot_identity_configured"),
		zap.String("bot_user", config.BotUser),
	)
}

func newEnv(config *cfg.Config) *updater.Env {
	pushUser := ""
	if *args.StageAsBot {
		pushUser = config.BotUser
	}

	reviewOpts := []gerrit.Option{
		gerrit.WithStagingDisabled(*args.ManualStage),
	}
	if pushUser != "" {
		reviewOpts = append(reviewOpts, gerrit.WithUser(pushUser))
	}

	return &updater.Env{
		Git:        gitcmd.NewHost(config.ReposDir, config.GerritHost, config.GerritPort, pushUser),
		Review:     gerrit.NewClient(config.GerritHost, config.GerritPort, reviewOpts...),
		Notify:     notify.NewSlackNotifier(config.SlackWebhookURL),
		Metrics:    updater.NewMetrics(config.PushgatewayURL),
		ReviewURL:  config.ReviewURL,
		RootModule: config.RootModule,
		Logger:     zap.L().Named("updater"),
	}
}

// branchRuns returns the branch/product-ref pairs this invocation processes.
func branchRuns(config *cfg.Config) map[string]string {
	if !*args.Autorun {
		return map[string]string{*args.Branch: *args.ProductRef}
	}

	runs := map[string]string{}
	for _, branch := range config.Autorun.Branches {
		runs[branch] = config.Autorun.ProductRefs[branch]
	}

	return runs
}

func main() {
	defer panicHandler()

	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0)
	}

	config := mustParseCfg()

	mustInitLogger(config)

	if *args.Autorun && *args.Branch != "" {
		exitOnErr("parsing commandline parameters",
			errors.New("--autorun and --branch are mutually exclusive"))
	}

	if !*args.Autorun && *args.Branch == "" {
		exitOnErr("parsing commandline parameters",
			errors.New("either --branch or --autorun must be specified"))
	}

	// unattended runs always use the bot identity
	if *args.Autorun {
		*args.StageAsBot = true
	}

	if *args.StageAsBot {
		mustSetupBotIdentity(config)
	}

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("gerrit_host", config.GerritHost),
		zap.String("gerrit_port", config.GerritPort),
		zap.String("repos_dir", config.ReposDir),
		zap.String("root_module", config.RootModule),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	ctx := context.Background()
	env := newEnv(config)

	failed := false

	for branch, productRef := range branchRuns(config) {
		if *args.Reset {
			err := updater.ResetState(ctx, env, *args.Product, branch)
			if err != nil {
				logger.Error("resetting batch state failed",
					logfields.Branch(branch), zap.Error(err))
				failed = true
			}

			continue
		}

		batch, err := updater.NewBatch(ctx, env, *args.Product, branch, productRef)
		if err != nil {
			logger.Error("initializing update batch failed",
				logfields.Branch(branch), zap.Error(err))
			failed = true
			continue
		}

		if *args.Summarize {
			batch.PrintSummary()
			continue
		}

		if err := batch.RunOneIteration(ctx); err != nil {
			logger.Error("update batch iteration failed",
				logfields.Branch(branch), zap.Error(err))
			failed = true
		}
	}

	if failed {
		goodbye.Exit(ctx, 1)
	}

	goodbye.Exit(ctx, 0)
}
