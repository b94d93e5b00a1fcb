package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/episodehub/go-uploader/config"
	"github.com/episodehub/go-uploader/upload"
	"github.com/episodehub/go-uploader/upload/checksum"
	"github.com/episodehub/go-uploader/upload/network"
	"github.com/episodehub/go-uploader/upload/network/partuploader"
)

var version = "dev"

type uploadFlags struct {
	backend            string
	apiURL             string
	category           string
	partSize           string
	partConcurrency    int
	sessionConcurrency int
	failFast           bool
	verify             bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "uploader",
		Short:         "Upload large files with checksums and multipart transfers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logs")

	root.AddCommand(newUploadCommand(&verbose))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return root
}

func newUploadCommand(verbose *bool) *cobra.Command {
	flags := uploadFlags{}

	cmd := &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Upload files, directories or glob patterns (e.g. 'runs/**/*.mcap')",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewLogger()
			if err := runUpload(cmd, args, flags, *verbose, logger); err != nil {
				logger.Errorf("%s", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.backend, "backend", "", "Remote backend: api or s3")
	cmd.Flags().StringVar(&flags.apiURL, "api-url", "", "Base URL of the upload service")
	cmd.Flags().StringVar(&flags.category, "category", "", "Catalog category of the files")
	cmd.Flags().StringVar(&flags.partSize, "part-size", "", "Multipart split size, e.g. 10MiB")
	cmd.Flags().IntVar(&flags.partConcurrency, "part-concurrency", 0, "Parts of one file transferred at once")
	cmd.Flags().IntVar(&flags.sessionConcurrency, "session-concurrency", 0, "Files uploaded at once")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "Don't retry parts rejected with a client error")
	cmd.Flags().BoolVar(&flags.verify, "verify", false, "Download and re-hash every uploaded file (s3 backend only)")

	return cmd
}

func loadConfig(cmd *cobra.Command, flags uploadFlags, verbose bool) (config.Config, error) {
	cfg, err := config.Parse(env.NewRepository())
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend = flags.backend
	}
	if changed("api-url") {
		cfg.APIURL = flags.apiURL
	}
	if changed("category") {
		cfg.Category = flags.category
	}
	if changed("part-size") {
		if err := cfg.PartSize.UnmarshalText([]byte(flags.partSize)); err != nil {
			return config.Config{}, err
		}
	}
	if changed("part-concurrency") {
		cfg.PartConcurrency = flags.partConcurrency
	}
	if changed("session-concurrency") {
		cfg.SessionConcurrency = flags.sessionConcurrency
	}
	if changed("fail-fast") {
		cfg.FailFastClientErrors = flags.failFast
	}
	if verbose {
		cfg.Verbose = true
	}

	return cfg, cfg.Validate()
}

func runUpload(cmd *cobra.Command, args []string, flags uploadFlags, verbose bool, logger log.Logger) error {
	cfg, err := loadConfig(cmd, flags, verbose)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.EnableDebugLog(cfg.Verbose)
	cfg.Print(logger)
	logger.Println()

	if flags.verify && cfg.Backend != config.BackendS3 {
		return fmt.Errorf("--verify is only supported with the %s backend", config.BackendS3)
	}

	paths, err := newPathExpander(logger, pathutil.NewPathModifier(), pathutil.NewPathChecker()).expand(args)
	if err != nil {
		return fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(paths) == 0 {
		return errors.New("no files to upload")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, s3Backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	transporter := partuploader.New(cfg.TransferConfig(), logger)
	defer transporter.CloseIdleConnections()

	var tracker analytics.Tracker
	if cfg.Analytics {
		tracker = analytics.NewDefaultTracker(logger, analytics.Properties{"backend": cfg.Backend, "version": version})
		defer tracker.Wait()
	}

	coordinator := upload.NewCoordinator(backend, transporter, cfg.BatchConfig(), newProgressPrinter(logger).callbacks(), tracker, logger)
	result, err := coordinator.UploadPaths(ctx, paths)
	if err != nil {
		return err
	}

	logger.Println()
	for i, r := range result.Results {
		if err := result.Errors[i]; err != nil {
			logger.Errorf("%s: %s (stopped at %d%%)", r.FileName, err, r.Progress)
			continue
		}
		logger.Donef("%s: %s uploaded (file_id: %s, md5: %s)", r.FileName, units.HumanSizeWithPrecision(float64(r.Size), 3), r.FileID, r.Checksum)
	}

	if stats := transporter.Stats().Summary(); stats.Parts > 0 {
		logger.Printf("%d transfer(s), %d retried attempt(s), avg %s per transfer, %s/s",
			stats.Parts, stats.Retries(), stats.AveragePart().Round(time.Millisecond), units.HumanSizeWithPrecision(stats.BytesPerSecond(), 3))
	}

	if flags.verify {
		hasher := checksum.NewHasher(int64(cfg.HashWindow))
		for i, r := range result.Results {
			if result.Errors[i] != nil {
				continue
			}
			if err := s3Backend.Verify(ctx, r.FileID, r.Checksum, hasher); err != nil {
				result.Errors[i] = fmt.Errorf("verify: %w", err)
				logger.Errorf("%s: %s", r.FileName, result.Errors[i])
			}
		}
	}

	// ids go to stdout for the catalog tooling, everything else is logged
	for _, id := range result.FileIDs() {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}

	if failed := result.FailedCount(); failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed to upload", failed, len(result.Results))
	}
	return nil
}

func newBackend(ctx context.Context, cfg config.Config, logger log.Logger) (network.Backend, *network.S3Backend, error) {
	if cfg.Backend == config.BackendS3 {
		s3Backend, err := network.NewS3Backend(ctx, cfg.S3Params(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create s3 backend: %w", err)
		}
		return s3Backend, s3Backend, nil
	}
	return network.NewAPIClient(cfg.APIURL, string(cfg.AccessToken), logger), nil, nil
}
