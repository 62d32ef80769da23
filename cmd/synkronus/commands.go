package main

import (
	"archive/zip"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenDataEnsemble/synkronus/pkg/auth"
	"github.com/OpenDataEnsemble/synkronus/pkg/bundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/config"
)

func newHealthCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				port := "8080"
				if cfg, err := config.Load(); err == nil {
					port = cfg.Port
				}
				url = "http://localhost:" + port + "/health"
			}

			client := &http.Client{Timeout: 5 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d", resp.StatusCode)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "health endpoint (default http://localhost:$PORT/health)")
	return cmd
}

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Work with app bundle archives",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <bundle.zip>",
		Short: "Check an app bundle archive without deploying it",
		Long: `Runs the structural checks a push performs: layout, JSON validity and
cell references. Core field baselines are not consulted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zr, err := zip.OpenReader(args[0])
			if err != nil {
				return fmt.Errorf("open bundle: %w", err)
			}
			defer func() { _ = zr.Close() }()

			report, err := bundle.NewValidator(nil).ValidateBundleStructure(cmd.Context(), &zr.Reader)
			if err != nil {
				var coreErr *bundle.CoreFieldModifiedError
				if errors.As(err, &coreErr) {
					return fmt.Errorf("invalid bundle: core fields changed: %s", strings.Join(coreErr.Fields(), ", "))
				}
				return fmt.Errorf("invalid bundle: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "bundle OK: %d forms, %d cells, %d files\n",
				len(report.Forms), len(report.Cells), len(report.Files))
			for _, f := range report.Forms {
				_, _ = fmt.Fprintf(out, "  form %s\n", f)
			}
			for _, c := range report.Cells {
				_, _ = fmt.Fprintf(out, "  cell %s\n", c)
			}
			return nil
		},
	})
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an access token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := auth.NewTokenIssuer(cfg.JWTSecret).Issue(args[0], roles, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable), e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
