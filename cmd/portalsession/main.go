package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/portalsession/internal/api"
	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/replay"
	"github.com/IshaanNene/portalsession/internal/types"
)

var (
	cfgFile     string
	verbose     bool
	showValues  bool
	probeOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portalsession",
		Short: "Portal session broker",
		Long: `portalsession logs into a reservation portal with a headless browser,
follows the portal's SSO hop into the partner site, and caches the resulting
cookie jar per user so callers can make authenticated requests without a
browser.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(warmCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, metrics endpoint and session warmer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			g, gctx := errgroup.WithContext(ctx)

			if a.cfg.Metrics.Enabled {
				if err := a.metrics.StartServer(gctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
					a.logger.Warn("failed to start metrics server", "error", err)
				}
			}

			if a.cfg.Warmer.Enabled {
				g.Go(func() error {
					a.warmer.Run(gctx)
					return nil
				})
			}

			if a.cfg.API.Enabled {
				srv := api.NewServer(a.cfg.API, a.cache, a.warmer, a.metrics, a.logger)
				g.Go(func() error {
					return srv.Start(gctx)
				})
			}

			a.logger.Info("portalsession running",
				"version", config.Version,
				"store", a.store.Name(),
				"api", a.cfg.API.Enabled,
				"warmer", a.cfg.Warmer.Enabled,
				"accounts", len(a.source.Users()),
			)

			<-gctx.Done()
			a.logger.Info("shutting down")
			return g.Wait()
		},
	}
}

// sessionCmd groups the per-user session commands.
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect, invalidate or probe a user's session",
	}

	get := &cobra.Command{
		Use:   "get <user>",
		Short: "Get a session, logging in when none is cached",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionGet,
	}
	get.Flags().BoolVar(&showValues, "show-values", false, "print cookie values")

	invalidate := &cobra.Command{
		Use:   "invalidate <user>",
		Short: "Drop a user's session from memory and the durable store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cache.Invalidate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Session for %s invalidated\n", args[0])
			return nil
		},
	}

	probe := &cobra.Command{
		Use:   "probe <user> <url>",
		Short: "Fetch a partner URL with the user's session cookies",
		Args:  cobra.ExactArgs(2),
		RunE:  runSessionProbe,
	}
	probe.Flags().BoolVar(&probeOutput, "body", false, "print the response body")

	cmd.AddCommand(get, invalidate, probe)
	return cmd
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	rec, err := a.cache.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get session (%s): %w", types.Reason(err), err)
	}

	fmt.Printf("User:      %s\n", rec.UserID)
	fmt.Printf("Expires:   %s (in %s)\n", rec.ExpiresAt.Format(time.RFC3339), time.Until(rec.ExpiresAt).Round(time.Second))
	fmt.Printf("Elapsed:   %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Cookies:   %d\n", len(rec.Cookies))

	cookies := append([]types.Cookie(nil), rec.Cookies...)
	sort.Slice(cookies, func(i, j int) bool {
		if cookies[i].Domain != cookies[j].Domain {
			return cookies[i].Domain < cookies[j].Domain
		}
		return cookies[i].Name < cookies[j].Name
	})
	for _, c := range cookies {
		if showValues {
			fmt.Printf("  %-40s %s=%s\n", c.Domain, c.Name, c.Value)
		} else {
			fmt.Printf("  %-40s %s\n", c.Domain, c.Name)
		}
	}
	return nil
}

func runSessionProbe(cmd *cobra.Command, args []string) error {
	userID, rawURL := args[0], args[1]
	if err := config.ValidateURL(rawURL); err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	client := replay.NewClient(a.cache, a.cfg, a.logger, a.metrics)
	defer client.Close()

	resp, err := client.Get(ctx, userID, rawURL)
	if err != nil {
		return err
	}

	fmt.Printf("URL:       %s\n", resp.URL)
	fmt.Printf("Status:    %d\n", resp.StatusCode)
	fmt.Printf("Size:      %d bytes\n", len(resp.Body))
	fmt.Printf("Duration:  %s\n", resp.Duration.Round(time.Millisecond))
	if probeOutput {
		fmt.Printf("\n%s\n", resp.Body)
	}
	return nil
}

// warmCmd creates the "warm" subcommand, a single warming pass.
func warmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Refresh sessions that expire within the warmer horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.warmer.WarmSessions(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Warm pass complete in %s\n", report.Duration.Round(time.Millisecond))
			fmt.Printf("   Candidates: %d\n", report.Candidates)
			fmt.Printf("   Refreshed:  %d\n", report.Refreshed)
			fmt.Printf("   Failed:     %d\n", report.Failed)
			fmt.Printf("   Skipped:    %d\n", report.Skipped)

			users := make([]string, 0, len(report.Errors))
			for u := range report.Errors {
				users = append(users, u)
			}
			sort.Strings(users)
			for _, u := range users {
				fmt.Printf("   %s: %s (%v)\n", u, types.Reason(report.Errors[u]), report.Errors[u])
			}
			return nil
		},
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("portalsession %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Portal:\n")
			fmt.Printf("  Login URL:         %s\n", cfg.Portal.LoginURL)
			fmt.Printf("  Intro URL:         %s\n", cfg.Portal.IntroURL)
			fmt.Printf("  Index URL:         %s\n", cfg.Portal.IndexURL)
			fmt.Printf("  RSA Key:           %v\n", cfg.Portal.RSAPublicKey != "")
			fmt.Printf("  Pre-encrypt:       %v\n", cfg.Portal.PreEncrypt)
			fmt.Printf("  Strategies:        %v\n", cfg.Portal.SSO.Strategies)
			fmt.Printf("  Signatures:        %v\n", cfg.Portal.SSO.Signatures)
			fmt.Printf("\nBrowser:\n")
			fmt.Printf("  Headless:          %v\n", cfg.Browser.Headless)
			fmt.Printf("  Remote:            %v\n", cfg.Browser.RemoteURL != "")
			fmt.Printf("  Stealth:           %v\n", cfg.Browser.Stealth)
			fmt.Printf("  Viewport:          %dx%d\n", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
			fmt.Printf("\nSession:\n")
			fmt.Printf("  TTL:               %s\n", cfg.Session.TTL)
			fmt.Printf("  Creation Timeout:  %s\n", cfg.Timeouts.Creation)
			fmt.Printf("\nWarmer:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Warmer.Enabled)
			fmt.Printf("  Interval:          %s\n", cfg.Warmer.Interval)
			fmt.Printf("  Horizon:           %s\n", cfg.Warmer.Horizon)
			fmt.Printf("  Concurrency:       %d\n", cfg.Warmer.Concurrency)
			fmt.Printf("\nStore:\n")
			fmt.Printf("  Type:              %s\n", cfg.Store.Type)
			fmt.Printf("\nCredentials:\n")
			fmt.Printf("  Accounts:          %d configured\n", len(cfg.Credentials.Accounts))
			fmt.Printf("\nAPI:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.API.Enabled)
			fmt.Printf("  Addr:              %s\n", cfg.API.Addr)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}
