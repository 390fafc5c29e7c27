package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wslicense/internal/app"
	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts"
	"wslicense/pkg/contracts/domain"
)

// errUnlicensed makes the process exit non-zero when no valid licence is held
var errUnlicensed = errors.New("no valid licence")

type options struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

func (o *options) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load()
}

// withAgent builds an agent for a one-shot command and closes it afterwards
func (o *options) withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *app.Agent) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	a, err := app.NewAgent(cfg, infrastructure.NewLoggerWithWriter(os.Stderr, level))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
		}
	}()
	return fn(cmd.Context(), a)
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "licence-agent",
		Short:         "Activate and check the WhatsApp Sender licence of this device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "Config file (defaults to $WSL_CONFIG_FILE or ./config.yaml)")
	root.PersistentFlags().BoolVar(&o.jsonOut, "json", false, "Print verdicts as JSON")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(
		newStatusCmd(o),
		newActivateCmd(o),
		newTrialCmd(o),
		newReconcileCmd(o),
		newDeactivateCmd(o),
		newFingerprintCmd(o),
		newRunCmd(o),
		newVersionCmd(),
	)
	return root
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the verdict of the cached licence without contacting the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				return o.report(cmd.OutOrStdout(), a.Engine.GetVerdict())
			})
		},
	}
}

func newActivateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate KEY",
		Short: "Bind this device to a licence key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				v, err := a.Engine.Activate(ctx, args[0])
				if err != nil {
					_ = o.report(cmd.OutOrStdout(), v)
					return fmt.Errorf("activation failed: %w", err)
				}
				return o.report(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newTrialCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "trial",
		Short: "Start the one-time local trial",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				v, err := a.Engine.StartTrial(ctx)
				if err != nil {
					return err
				}
				return o.report(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newReconcileCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "reconcile",
		Aliases: []string{"sync"},
		Short:   "Refresh the cached licence from the registry",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				v, err := a.Engine.Reconcile(ctx)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "reconciliation:", err)
				}
				return o.report(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newDeactivateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Forget the cached licence on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				if err := a.Engine.Deactivate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Licence removed from this device")
				return nil
			})
		},
	}
}

func newFingerprintCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "fingerprint",
		Aliases: []string{"fp"},
		Short:   "Print this device's fingerprint and the attributes behind it",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				out := cmd.OutOrStdout()
				fp := a.Fingerprint.Generate()
				attrs := a.Fingerprint.Attributes()
				if o.jsonOut {
					return writeJSON(out, map[string]any{"fingerprint": fp, "attributes": attrs})
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Fingerprint:\t%s\n", fp)
				names := make([]string, 0, len(attrs))
				for k := range attrs {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, k := range names {
					fmt.Fprintf(tw, "  %s\t%s\n", k, attrs[k])
				}
				return tw.Flush()
			})
		},
	}
}

func newRunCmd(o *options) *cobra.Command {
	var requireValid bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Check the licence at startup, then keep it fresh until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			logger, err := infrastructure.InitializeLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer infrastructure.CloseLogFile()

			a, err := app.NewAgent(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v := a.Startup(ctx)
			if !v.Valid && requireValid {
				_ = a.Close(context.Background())
				return fmt.Errorf("%w: %s", errUnlicensed, v.Reason)
			}

			runErr := a.Run(ctx)
			logger.Info("Agent stopping")

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				logger.Error("Agent shutdown error", slog.String("error", err.Error()))
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&requireValid, "require-valid", false, "Exit instead of running when the startup verdict is invalid")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"ver"},
		Short:   "Print the licence-agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString("licence-agent"))
		},
	}
}

// report prints v. An invalid verdict is reported and also returned as
// errUnlicensed so scripts can test the exit status.
func (o *options) report(out io.Writer, v domain.Verdict) error {
	if o.jsonOut {
		if err := writeJSON(out, v); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Valid:\t%t\n", v.Valid)
		fmt.Fprintf(tw, "Reason:\t%s\n", v.Reason)
		if v.PlanType != "" {
			fmt.Fprintf(tw, "Plan:\t%s (%s)\n", v.PlanType, v.LicenseType)
		}
		if !v.ExpiryDate.IsZero() {
			fmt.Fprintf(tw, "Expires:\t%s (%d days left)\n", v.ExpiryDate.Format("2006-01-02"), v.RemainingDays)
		}
		if v.NeedsSync {
			fmt.Fprintln(tw, "Sync:\tdue")
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if !v.Valid {
		return fmt.Errorf("%w: %s", errUnlicensed, v.Reason)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
