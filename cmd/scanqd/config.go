package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/doctor"
	"github.com/mattjoyce/scanq/internal/tui/tokenmgr"
)

const redacted = "<redacted>"

func buildConfigCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, seal and display the configuration",
	}
	cmd.AddCommand(
		buildConfigCheckCommand(opts),
		buildConfigLockCommand(opts),
		buildConfigShowCommand(opts),
		buildConfigTokenCommand(),
	)
	return cmd
}

func buildConfigCheckCommand(opts *cliOptions) *cobra.Command {
	var jsonOut, strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and its checksum manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadToolConfig(cmd)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			result := doctor.New(cfg).Validate()
			switch err := config.VerifyIntegrity(cfg.SourcePath); {
			case errors.Is(err, config.ErrNoManifest):
				result.Warnings = append(result.Warnings, doctor.Issue{
					Category: "integrity",
					Message:  "config is not locked (run 'scanqd config lock')",
				})
			case err != nil:
				result.Errors = append(result.Errors, doctor.Issue{Category: "integrity", Message: err.Error()})
				result.Valid = false
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid || (strict && len(result.Warnings) > 0) {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in structured JSON format")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return cmd
}

func buildConfigLockCommand(opts *cliOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record the BLAKE3 hash of the config file in .checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				discovered, err := config.Discover()
				if err != nil {
					return err
				}
				path = discovered
			}
			// Validate before sealing so a broken file is never locked in.
			if _, err := config.Load(path); err != nil {
				return err
			}
			report, err := config.Lock(path, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", report.Hash, report.ConfigPath)
			if report.Written {
				fmt.Fprintf(out, "wrote %s\n", report.ChecksumPath)
			} else {
				fmt.Fprintf(out, "dry run: %s not written\n", report.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the hash without writing the manifest")
	return cmd
}

func buildConfigShowCommand(opts *cliOptions) *cobra.Command {
	var jsonOut, showSecrets bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadToolConfig(cmd)
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = redactSecrets(cfg)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in structured JSON format")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Do not redact tokens and the database DSN")
	return cmd
}

// redactSecrets returns a copy with credentials replaced.
func redactSecrets(cfg *config.Config) *config.Config {
	c := *cfg
	if c.State.DSN != "" {
		c.State.DSN = redacted
	}
	if c.API.Auth.APIKey != "" {
		c.API.Auth.APIKey = redacted
	}
	c.API.Auth.Tokens = make([]config.APIToken, len(cfg.API.Auth.Tokens))
	for i, t := range cfg.API.Auth.Tokens {
		c.API.Auth.Tokens[i] = config.APIToken{Token: redacted, Scopes: t.Scopes}
	}
	return &c
}

func buildConfigTokenCommand() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API token and print its config entry",
		Long:  "Generate an API token. Without --scope the scopes are picked interactively.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(scopes) == 0 {
				m := tokenmgr.New()
				if _, err := tea.NewProgram(m).Run(); err != nil {
					return err
				}
				if m.Cancelled() {
					return &exitError{code: 1}
				}
				scopes = m.Selected()
			}
			if len(scopes) == 0 {
				return errors.New("no scopes selected")
			}

			token, err := newToken()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal([]config.APIToken{{Token: token, Scopes: scopes}})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "# add under api.auth.tokens:")
			fmt.Fprint(cmd.OutOrStdout(), indent(string(out), "    "))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to grant (repeatable): *, queue:ro, queue:rw, settings:rw")
	return cmd
}

func newToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(l)
	}
	return b.String()
}
