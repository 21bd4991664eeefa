// Command scanqd is the scan scheduler daemon and its operator CLI.
//
//	scanqd start                      run the scheduler and admin API
//	scanqd status                     is the daemon running?
//	scanqd queue <verb>               inspect and change the queue
//	scanqd config check|lock|show     validate and seal the configuration
//	scanqd version
//
// The hidden "handler" commands are how the daemon starts scan processes.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

type cliOptions struct {
	configPath string
}

func buildCLI() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "scanqd",
		Short:         "Scan-execution scheduler daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file or directory (default: discovered)")

	root.AddCommand(
		buildStartCommand(opts),
		buildStatusCommand(opts),
		buildQueueCommand(opts),
		buildConfigCommand(opts),
		buildHandlerCommand(opts),
		buildVersionCommand(),
	)
	return root
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if ee, ok := err.(*exitError); ok {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// loadConfig resolves --config (or discovers a file) and loads it.
func (o *cliOptions) loadConfig(stderr io.Writer) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(stderr, "Using discovered config: %s\n", discovered)
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadToolConfig is loadConfig for short-lived operator commands: logs go to
// stderr so stdout stays machine-readable.
func (o *cliOptions) loadToolConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := o.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	level := cfg.Service.LogLevel
	if level == "info" || level == "debug" {
		level = "warn"
	}
	log.SetupWriter(level, cmd.ErrOrStderr())
	return cfg, nil
}
