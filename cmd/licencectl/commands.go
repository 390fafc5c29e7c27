package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
	"wslicense/internal/registry"
	"wslicense/pkg/contracts"
	"wslicense/pkg/contracts/domain"
)

// options are the flags shared by every subcommand
type options struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

// openRegistry builds a registry service over the configured database. The
// returned func releases it.
func (o *options) openRegistry(ctx context.Context) (*registry.Service, func(), error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if cfg.Registry.StoreDriver == config.StoreMemory {
		return nil, nil, errors.New("licencectl needs a sqlite or postgres registry store")
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logger := infrastructure.NewLoggerWithWriter(os.Stderr, level)

	store, err := registry.OpenSQLStore(ctx, cfg.Registry, logger)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{store.Close}

	var locker registry.Locker = registry.NewLocalLocker()
	if cfg.Registry.LockBackend == config.LockRedis {
		// share key locks with running registry replicas
		rdb, err := registry.NewRedisClient(ctx, cfg.Registry.RedisAddr, cfg.Registry.RedisPassword, cfg.Registry.RedisDB)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		closers = append(closers, rdb.Close)
		locker = registry.NewRedisLocker(rdb, cfg.Registry.LockTTL, logger)
	}

	svc := registry.NewService(store, locker,
		registry.WithServiceLogger(logger),
		registry.WithLockTimeout(cfg.Registry.LockTimeout),
	)
	release := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return svc, release, nil
}

// withRegistry runs fn against an open registry
func (o *options) withRegistry(cmd *cobra.Command, fn func(ctx context.Context, svc *registry.Service) error) error {
	ctx := registry.WithCallerIP(cmd.Context(), "licencectl")
	svc, release, err := o.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, svc)
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "licencectl",
		Short:         "Administer WhatsApp Sender licences",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "Config file (defaults to $WSL_CONFIG_FILE or ./config.yaml)")
	root.PersistentFlags().BoolVar(&o.jsonOut, "json", false, "Print results as JSON")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(
		newCreateCmd(o),
		newListCmd(o),
		newShowCmd(o),
		newStatsCmd(o),
		newStatusCmd(o, "suspend", domain.LicenseStatusSuspended, "Suspend a licence"),
		newStatusCmd(o, "revoke", domain.LicenseStatusRevoked, "Revoke a licence permanently"),
		newStatusCmd(o, "reinstate", domain.LicenseStatusActive, "Lift a suspension"),
		newResetCmd(o),
		newExpireCmd(o),
		newVersionCmd(),
	)
	return root
}

func newCreateCmd(o *options) *cobra.Command {
	var (
		req      domain.CreateLicenseRequest
		typ      string
		expiry   string
		features []string
	)
	cmd := &cobra.Command{
		Use:     "create",
		Aliases: []string{"gen", "issue"},
		Short:   "Issue a new licence key",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.LicenseType = domain.LicenseType(typ)
			if expiry != "" {
				t, err := time.Parse("2006-01-02", expiry)
				if err != nil {
					return fmt.Errorf("expiry must be YYYY-MM-DD: %w", err)
				}
				t = t.Add(24*time.Hour - time.Second)
				req.ExpiryDate = &t
			}
			if len(features) > 0 {
				req.Features = make(map[string]bool, len(features))
				for _, f := range features {
					req.Features[strings.TrimSpace(f)] = true
				}
			}
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				lic, err := svc.CreateLicence(ctx, req)
				if err != nil {
					return err
				}
				return o.printLicence(cmd.OutOrStdout(), lic)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.AppID, "app", "a", "whatsapp-sender-pro", "Application id")
	f.StringVarP(&req.PlanType, "plan", "p", "", "Plan name (default standard, or trial)")
	f.StringVar(&typ, "type", string(domain.LicenseTypeSubscription), "Licence type: subscription or trial")
	f.IntVarP(&req.DurationDays, "days", "d", 0, "Days of validity counted from first activation")
	f.StringVarP(&expiry, "expiry", "e", "", "Absolute expiry date (YYYY-MM-DD), overrides --days")
	f.IntVarP(&req.MaxDevices, "devices", "n", 0, "Maximum number of bound devices")
	f.StringSliceVar(&features, "feature", nil, "Enabled feature flag, repeatable")
	f.StringVar(&req.CustomerEmail, "email", "", "Customer email")
	f.StringVar(&req.CustomerName, "customer", "", "Customer name")
	f.StringVar(&req.LicenseKey, "key", "", "Use this key instead of generating one")
	return cmd
}

func newListCmd(o *options) *cobra.Command {
	var (
		filter domain.LicenseFilter
		status string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List licences",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = domain.LicenseStatus(status)
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				list, err := svc.ListLicences(ctx, filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if o.jsonOut {
					return writeJSON(out, list)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tAPP\tPLAN\tSTATUS\tDEVICES\tEXPIRES")
				for _, l := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
						l.LicenseKey, l.AppID, l.PlanType, l.Status,
						len(l.Devices), l.MaxDevices, formatDate(l.ExpiryDate))
				}
				return tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.AppID, "app", "", "Only licences of this application")
	f.StringVar(&status, "status", "", "Only licences in this status")
	f.IntVar(&filter.Limit, "limit", registry.DefaultListLimit, "Maximum number of licences")
	f.IntVar(&filter.Offset, "offset", 0, "Skip this many licences")
	return cmd
}

func newShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show a licence and its bound devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				lic, err := svc.GetLicence(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printLicence(cmd.OutOrStdout(), lic)
			})
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				st, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if o.jsonOut {
					return writeJSON(out, st)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Licences:\t%d\n", st.Total)
				fmt.Fprintf(tw, "  pending\t%d\n", st.Pending)
				fmt.Fprintf(tw, "  active\t%d\n", st.Active)
				fmt.Fprintf(tw, "  expired\t%d\n", st.Expired)
				fmt.Fprintf(tw, "  suspended\t%d\n", st.Suspended)
				fmt.Fprintf(tw, "  revoked\t%d\n", st.Revoked)
				fmt.Fprintf(tw, "Bound devices:\t%d\n", st.Devices)
				fmt.Fprintf(tw, "Expiring within 7 days:\t%d\n", st.ExpiringSoon)
				fmt.Fprintf(tw, "Usage events:\t%d\n", st.UsageEvents)
				return tw.Flush()
			})
		},
	}
}

func newStatusCmd(o *options, use string, target domain.LicenseStatus, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " KEY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				lic, err := svc.SetStatus(ctx, args[0], domain.SetStatusRequest{Status: target, Reason: reason})
				if err != nil {
					return err
				}
				if o.jsonOut {
					return writeJSON(cmd.OutOrStdout(), lic)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", lic.LicenseKey, lic.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the activity log")
	return cmd
}

func newResetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset KEY",
		Short: "Unbind every device from a licence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				n, err := svc.ResetDevices(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d device(s) from %s\n", n, strings.ToUpper(strings.TrimSpace(args[0])))
				return nil
			})
		},
	}
}

func newExpireCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark every licence past its expiry date as expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withRegistry(cmd, func(ctx context.Context, svc *registry.Service) error {
				n, err := svc.ExpireDue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d licence(s)\n", n)
				return nil
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"ver"},
		Short:   "Print the licencectl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString("licencectl"))
		},
	}
}

func (o *options) printLicence(out io.Writer, l *domain.License) error {
	if o.jsonOut {
		return writeJSON(out, l)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Licence key:\t%s\n", l.LicenseKey)
	fmt.Fprintf(tw, "Application:\t%s\n", l.AppID)
	fmt.Fprintf(tw, "Type / plan:\t%s / %s\n", l.LicenseType, l.PlanType)
	fmt.Fprintf(tw, "Status:\t%s\n", l.Status)
	if l.ExpiryDate.IsZero() {
		fmt.Fprintf(tw, "Validity:\t%d days from first activation\n", l.DurationDays)
	} else {
		fmt.Fprintf(tw, "Expires:\t%s\n", formatDate(l.ExpiryDate))
	}
	fmt.Fprintf(tw, "Devices:\t%d of %d (activations: %d)\n", len(l.Devices), l.MaxDevices, l.ActivationCount)
	if l.CustomerName != "" || l.CustomerEmail != "" {
		fmt.Fprintf(tw, "Customer:\t%s <%s>\n", l.CustomerName, l.CustomerEmail)
	}
	for _, d := range l.Devices {
		fmt.Fprintf(tw, "  %s\t%s, last seen %s\n", d.Fingerprint, d.DeviceName, d.LastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
