package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/recallkit/recallkit/internal/config"
	"github.com/recallkit/recallkit/internal/extension"
	"github.com/recallkit/recallkit/internal/extension/deps"
	"github.com/recallkit/recallkit/internal/extension/hotswap"
	"github.com/recallkit/recallkit/internal/logging"
	"github.com/recallkit/recallkit/internal/marketplace"
	"github.com/recallkit/recallkit/internal/watch"
)

// app bundles everything a command needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *extension.Manager
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recallkit.toml"
	}
	return filepath.Join(home, ".recallkit", "recallkit.toml")
}

// loadApp wires the runtime and discovers installed extensions.
func loadApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}

	var market marketplace.Client
	if cfg.Marketplace.URL != "" {
		market = marketplace.NewHTTPClient(cfg.Marketplace.URL)
	}

	manager, err := extension.NewManager(cfg, market, extension.Services{}, logger)
	if err != nil {
		return nil, err
	}
	if _, err := manager.Discover(); err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, manager: manager}, nil
}

func (a *app) close() {
	a.manager.Close()
	_ = a.logger.Sync()
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "recallkit",
		Short:         "Manage RecallKit extensions",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file")

	root.AddCommand(
		newListCmd(&cfgPath),
		newInfoCmd(&cfgPath),
		newEnableCmd(&cfgPath),
		newDisableCmd(&cfgPath),
		newClearErrorCmd(&cfgPath),
		newInstallCmd(&cfgPath),
		newUninstallCmd(&cfgPath),
		newSearchCmd(&cfgPath),
		newMarketInstallCmd(&cfgPath),
		newUpdateCmd(&cfgPath),
		newSettingsCmd(&cfgPath),
		newWatchCmd(&cfgPath),
	)
	return root
}

func newListCmd(cfgPath *string) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			var filter *extension.Status
			if statusFilter != "" {
				s, err := extension.ParseStatus(statusFilter)
				if err != nil {
					return err
				}
				filter = &s
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tCATEGORY\tSTATUS")
			for _, v := range a.manager.List(filter) {
				status := v.Status.String()
				if v.Status == extension.StatusError && v.LastError != "" {
					status = "error: " + v.LastError
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					v.Name, v.Version, v.Type, v.Category, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (installed, enabled, error)")
	return cmd
}

func newInfoCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show extension details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			info, err := a.manager.GetInfo(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:        %s\n", info.Name)
			fmt.Fprintf(out, "Version:     %s\n", info.Version)
			fmt.Fprintf(out, "Type:        %s\n", info.Type)
			fmt.Fprintf(out, "Category:    %s\n", info.Category)
			fmt.Fprintf(out, "Status:      %s\n", info.Status)
			if info.Author != "" {
				fmt.Fprintf(out, "Author:      %s\n", info.Author)
			}
			if info.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", info.Description)
			}
			if len(info.Permissions) > 0 {
				fmt.Fprintf(out, "Permissions: %s\n", strings.Join(info.Permissions, ", "))
			}
			for _, d := range info.Dependencies {
				fmt.Fprintf(out, "Depends on:  %s\n", d.String())
			}
			for k, v := range info.Settings {
				fmt.Fprintf(out, "Setting:     %s = %v\n", k, v)
			}
			if info.LastError != "" {
				fmt.Fprintf(out, "Last error:  %s\n", info.LastError)
			}
			return nil
		},
	}
}

func newEnableCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			warnings, err := a.manager.Enable(args[0])
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", args[0])
			return nil
		},
	}
}

func newDisableCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.manager.Disable(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
			return nil
		},
	}
}

func newClearErrorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-error <name>",
		Short: "Acknowledge a failure and return the extension to installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.manager.ClearError(args[0])
		},
	}
}

func newInstallCmd(cfgPath *string) *cobra.Command {
	var category string
	var strategy string

	cmd := &cobra.Command{
		Use:   "install <dir>",
		Short: "Install an extension from a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			cat, ok := extension.ParseCategory(category)
			if !ok {
				return fmt.Errorf("unknown category %q", category)
			}
			var strat deps.Strategy
			if strategy != "" {
				strat, err = deps.ParseStrategy(strategy)
				if err != nil {
					return err
				}
			}

			report, err := a.manager.Install(cmd.Context(), args[0], cat, strat)
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&category, "category", string(extension.CategoryLocal), "install category")
	cmd.Flags().StringVar(&strategy, "strategy", "", "conflict strategy (fail, upgrade, downgrade, skip, user-choice)")
	return cmd
}

func printReport(cmd *cobra.Command, report *extension.InstallReport) {
	if report == nil {
		return
	}
	out := cmd.OutOrStdout()
	for _, w := range report.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	for _, w := range report.CompatWarnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	for _, c := range report.Conflicts {
		fmt.Fprintf(out, "conflict: %s requires resolution; re-run with --strategy\n", c)
	}
	if report.Installed {
		fmt.Fprintf(out, "installed %s %s (%s)\n", report.Name, report.Version, report.Category)
	}
}

func newUninstallCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Remove an extension, its files, and its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.manager.Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newSearchCmd(cfgPath *string) *cobra.Command {
	var typeFilter string

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search the marketplace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			q := marketplace.Query{Type: typeFilter}
			if len(args) > 0 {
				q.Text = args[0]
			}
			listings, err := a.manager.Search(cmd.Context(), q)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tDOWNLOADS\tDESCRIPTION")
			for _, l := range listings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					l.Name, l.Version, l.Type, l.Downloads, l.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&typeFilter, "type", "", "filter by capability type")
	return cmd
}

func newMarketInstallCmd(cfgPath *string) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Install an extension from the marketplace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.manager.InstallFromMarketplace(cmd.Context(), args[0], version)
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version to install (default latest)")
	return cmd
}

func newUpdateCmd(cfgPath *string) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "update [name]",
		Short: "Update an extension, or check what is outdated",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if check || len(args) == 0 {
				updates, err := a.manager.CheckForUpdates(cmd.Context())
				if err != nil {
					return err
				}
				if len(updates) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "everything is up to date")
					return nil
				}
				for _, u := range updates {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", u.Name, u.Installed, u.Latest)
				}
				return nil
			}

			report, err := a.manager.Update(cmd.Context(), args[0], "")
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only report available updates")
	return cmd
}

func newSettingsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings <name> [key=value ...]",
		Short: "Show or update extension settings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			name := args[0]
			if len(args) == 1 {
				info, err := a.manager.GetInfo(name)
				if err != nil {
					return err
				}
				for k, v := range info.Settings {
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, v)
				}
				return nil
			}

			patch := make(map[string]interface{}, len(args)-1)
			for _, kv := range args[1:] {
				key, value, found := strings.Cut(kv, "=")
				if !found {
					return fmt.Errorf("expected key=value, got %q", kv)
				}
				patch[key] = value
			}
			return a.manager.UpdateSettings(name, patch)
		},
	}
	return cmd
}

func newWatchCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the hot-swap watcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			watcher, err := watch.NewFSWatcher()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			controller := hotswap.New(a.manager, watcher, a.cfg.DebounceInterval(), hotswap.Callbacks{
				AfterReload: func(name string) { fmt.Fprintf(out, "reloaded %s\n", name) },
				ReloadFailed: func(name string, err error) {
					fmt.Fprintf(out, "reload of %s failed: %v\n", name, err)
				},
				Installed:   func(name string) { fmt.Fprintf(out, "installed %s\n", name) },
				Uninstalled: func(name string) { fmt.Fprintf(out, "uninstalled %s\n", name) },
			}, a.logger)
			if err := controller.Start(); err != nil {
				return err
			}
			defer controller.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(out, "watching %s (ctrl-c to stop)\n", a.manager.Root())
			<-ctx.Done()
			return nil
		},
	}
}
