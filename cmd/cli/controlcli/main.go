package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/control"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
	"github.com/core-tools/hsu-telemetry-control/pkg/monitoring"
	"github.com/core-tools/hsu-telemetry-control/pkg/restart"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type flagOptions struct {
	Config    string `long:"config" short:"c" description:"path to the control configuration file (default: built-in appliance layout)"`
	LogLevel  string `long:"log-level" description:"override the configured log level"`
	LogOutput string `long:"log-output" default:"stderr" description:"log destination: stdout, stderr or a file path"`
	Timeout   string `long:"timeout" default:"2m" description:"overall deadline for the command"`
}

var opts flagOptions

// stdout receives command results. Logs never go here.
var stdout io.Writer = os.Stdout

// session is built once per invocation after flags are parsed.
type session struct {
	cfg    *config.ControlConfig
	facade *control.Facade
	logger logging.Logger
	zap    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession() (*session, error) {
	var cfg *config.ControlConfig
	var err error
	if opts.Config != "" {
		cfg, err = config.LoadConfigFromFile(opts.Config)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if opts.LogLevel != "" {
		cfg.Logging.Level = strings.ToLower(opts.LogLevel)
	}
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = opts.LogOutput
	}

	zapLogger, warning, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(logging.ModulePrefix("telemetry-control"), logging.ZapLogFuncs(zapLogger.Sugar()))
	if warning != "" {
		logger.Warnf("%s", warning)
	}

	timeout, err := parseTimeout(opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	return &session{
		cfg:    cfg,
		facade: control.NewFacade(cfg, control.Options{}, logger),
		logger: logger,
		zap:    zapLogger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *session) close() {
	s.cancel()
	s.zap.Sync()
}

func main() {
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)

	parser.AddCommand("health", "Run one health sweep", "Probe every service and print the system verdict.", &healthCommand{})
	parser.AddCommand("metrics", "Print health as Prometheus text", "Run one health sweep and print it in the Prometheus exposition format.", &metricsCommand{})
	parser.AddCommand("get-config", "Print effective settings", "Read the current settings from the collector artifacts.", &getConfigCommand{})
	parser.AddCommand("save-config", "Apply a configuration delta", "Patch artifacts from a JSON delta and restart the affected services.", &saveConfigCommand{})
	parser.AddCommand("restart", "Restart one service", "Restart a service by id or alias.", &restartCommand{})
	parser.AddCommand("services", "List services", "List restartable services and their aliases.", &servicesCommand{})
	parser.AddCommand("backups", "List artifact backups", "List the backup chain of an artifact kind.", &backupsCommand{})
	parser.AddCommand("apply-full", "Run a full update", "Hand a complete configuration payload to the control command.", &applyFullCommand{})
	parser.AddCommand("dump-config", "Print the effective control configuration", "Print the control configuration after defaults and overrides.", &dumpConfigCommand{})

	if _, err := parser.ParseArgs(argv); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		if exit, ok := err.(exitCode); ok {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
		os.Exit(1)
	}
}

// exitCode lets a command finish with a specific status after printing
// its result.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type healthCommand struct {
	Strict bool `long:"strict" description:"exit with status 2 unless the system is healthy"`
}

func (c *healthCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	health, err := rt.facade.GetHealth(rt.ctx)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, health); err != nil {
		return err
	}
	if c.Strict && health.Status != monitoring.HealthStatusHealthy {
		return exitCode(2)
	}
	return nil
}

type metricsCommand struct{}

func (c *metricsCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	health, err := rt.facade.GetHealth(rt.ctx)
	if err != nil {
		return err
	}
	return monitoring.WriteMetrics(stdout, health)
}

type getConfigCommand struct{}

func (c *getConfigCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	view, err := rt.facade.GetConfig(rt.ctx)
	if err != nil {
		return err
	}
	return printJSON(stdout, view)
}

type saveConfigCommand struct {
	File string `long:"file" short:"f" description:"read the delta from this file instead of stdin"`
}

func (c *saveConfigCommand) Execute(args []string) error {
	delta, err := readInput(c.File)
	if err != nil {
		return err
	}

	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.facade.SaveConfig(rt.ctx, delta)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, result); err != nil {
		return err
	}
	if !result.Success {
		return exitCode(2)
	}
	return nil
}

type restartCommand struct {
	Args struct {
		Service string `positional-arg-name:"service" description:"service id or alias"`
	} `positional-args:"yes" required:"yes"`
}

func (c *restartCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	outcome, err := rt.facade.RestartService(rt.ctx, c.Args.Service)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, outcome); err != nil {
		return err
	}
	if !outcome.Success {
		return exitCode(2)
	}
	return nil
}

type servicesCommand struct{}

func (c *servicesCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	return printJSON(stdout, rt.facade.Services())
}

type backupsCommand struct {
	Kind string `long:"kind" short:"k" required:"yes" description:"artifact kind, e.g. syslog-ingest"`
}

func (c *backupsCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	backups, err := rt.facade.Backups(config.ArtifactKind(c.Kind))
	if err != nil {
		return err
	}
	if backups == nil {
		backups = []string{}
	}
	return printJSON(stdout, backups)
}

type applyFullCommand struct {
	File string `long:"file" short:"f" description:"read the payload from this file instead of stdin"`
}

func (c *applyFullCommand) Execute(args []string) error {
	payload, err := readInput(c.File)
	if err != nil {
		return err
	}

	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	controller := restart.NewCommandController(rt.cfg.Restart, rt.logger)
	message, err := controller.UpdateFull(rt.ctx, strings.TrimSpace(string(payload)))
	outcome := restart.Outcome{
		ServiceID:      "all",
		Success:        err == nil,
		Classification: restart.Classify(err),
		Message:        message,
	}
	if outcome.Message == "" && err != nil {
		outcome.Message = restart.Truncate(err.Error(), rt.cfg.Restart.MaxMessageBytes)
	}
	if perr := printJSON(stdout, outcome); perr != nil {
		return perr
	}
	if !outcome.Success {
		return exitCode(2)
	}
	return nil
}

type dumpConfigCommand struct{}

func (c *dumpConfigCommand) Execute(args []string) error {
	rt, err := newSession()
	if err != nil {
		return err
	}
	defer rt.close()

	data, err := rt.cfg.Dump()
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}
