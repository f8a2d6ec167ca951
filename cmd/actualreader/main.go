package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/actualreader/backend/internal/bundle"
	"github.com/actualreader/backend/internal/config"
	"github.com/actualreader/backend/internal/database"
	"github.com/actualreader/backend/internal/discovery"
	"github.com/actualreader/backend/internal/library"
	"github.com/actualreader/backend/internal/logging"
	"github.com/actualreader/backend/internal/storage"
	"github.com/actualreader/backend/internal/transfer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "actualreader",
		Short: "Actual Reader library backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newDiscoverCommand(),
		newExportCommand(),
		newImportCommand(),
		newValidateCommand(),
		newListCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Application data directory")
	cmd.PersistentFlags().Int("sync-port", defaults.GetInt("sync.port"), "Transfer server port")
	cmd.PersistentFlags().String("bind-address", defaults.GetString("sync.bind_address"), "Transfer server bind address")
	cmd.PersistentFlags().String("instance-name", defaults.GetString("sync.instance_name"), "Advertised instance name (defaults to hostname)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "sync.port", "sync-port")
	bindFlag(cmd, "sync.bind_address", "bind-address")
	bindFlag(cmd, "sync.instance_name", "instance-name")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// app holds the wired services every subcommand needs.
type app struct {
	config  config.AppConfig
	logger  *zap.Logger
	layout  storage.Layout
	library *library.Service
	bundles *bundle.Service
	close   func()
}

func newApp() (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	layout := storage.NewLayout(appConfig.DataDir)
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(layout.Database, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	libraryService, err := library.NewService(library.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: library.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	bundleService, err := bundle.NewService(bundle.ServiceConfig{
		Library: libraryService,
		Layout:  layout,
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &app{
		config:  appConfig,
		logger:  logger,
		layout:  layout,
		library: libraryService,
		bundles: bundleService,
		close: func() {
			sqlDB.Close()
			logger.Sync() //nolint:errcheck
		},
	}, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the transfer server and advertise it on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			instanceName := discovery.InstanceName(application.config.InstanceName)
			server, err := transfer.NewServer(transfer.ServerConfig{
				Library:      application.library,
				Bundles:      application.bundles,
				InstanceName: instanceName,
				BindAddress:  application.config.BindAddress,
				Port:         application.config.SyncPort,
				Advertise: func(name string, port int) (transfer.Advertiser, error) {
					return discovery.Announce(name, port, application.logger)
				},
				Logger: application.logger,
			})
			if err != nil {
				return err
			}

			if err := server.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving library as %q on port %d\n", instanceName, server.Port())

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-signalCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		},
	}
}

func newSyncCommand() *cobra.Command {
	var (
		address         string
		port            int
		firstDiscovered bool
		window          time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull missing narrated books from a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			var peer discovery.Peer
			switch {
			case firstDiscovered:
				peers, err := discovery.Browse(cmd.Context(), window, application.logger)
				if err != nil {
					return err
				}
				if len(peers) == 0 {
					return errors.New("no peers discovered")
				}
				peer = peers[0]
			case address != "":
				peer = discovery.Peer{Name: address, Address: address, Port: port}
			default:
				return errors.New("either --address or --first-discovered is required")
			}

			client := transfer.NewClient(peer.Address, peer.Port)
			info, err := client.Probe(cmd.Context())
			if err != nil {
				return err
			}
			peer.Name = info.Name
			fmt.Fprintf(cmd.OutOrStdout(), "Syncing from %q (%d books)\n", info.Name, info.BookCount)

			orchestrator, err := transfer.NewOrchestrator(transfer.OrchestratorConfig{
				Library: application.library,
				Bundles: application.bundles,
				Logger:  application.logger,
			})
			if err != nil {
				return err
			}

			result, err := orchestrator.Sync(cmd.Context(), peer, func(p transfer.Progress) {
				if p.Done {
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  [%d/%d] %s\n", p.Current, p.Total, p.Label)
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added %d book(s)\n", result.BooksAdded)
			for _, message := range result.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %s\n", message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Peer address")
	cmd.Flags().IntVar(&port, "port", 42069, "Peer port")
	cmd.Flags().BoolVar(&firstDiscovered, "first-discovered", false, "Sync from the first peer found on the local network")
	cmd.Flags().DurationVar(&window, "timeout", 4*time.Second, "Discovery window")
	return cmd
}

func newDiscoverCommand() *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List peers advertising on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			peers, err := discovery.Browse(cmd.Context(), window, application.logger)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No peers found")
				return nil
			}
			for _, peer := range peers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%d\n", peer.Name, peer.Address, peer.Port)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&window, "timeout", 4*time.Second, "Discovery window")
	return cmd
}

func newExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <book-id>",
		Short: "Export a narrated book as a portable bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			bookID, err := library.NewBookID(args[0])
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path = application.layout.BundlePath(bookID.String())
			}
			if err := application.bundles.ExportToFile(cmd.Context(), bookID, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (defaults to the bundles directory)")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle>",
		Short: "Import a bundle into the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			provenance, err := filepath.Abs(args[0])
			if err != nil {
				provenance = args[0]
			}
			book, err := application.bundles.Import(cmd.Context(), data, provenance)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %q as %s\n", book.Title, book.ID)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Inspect a bundle without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			info, err := application.bundles.Validate(args[0])
			if err != nil {
				return err
			}

			author := ""
			if info.Author != nil {
				author = " by " + *info.Author
			}
			narration := "no narration"
			if info.HasNarration {
				narration = "narrated"
				if info.Duration != nil {
					narration = fmt.Sprintf("narrated, %.1fs", *info.Duration)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s (%s, %d segments, %s, format version %s)\n",
				info.Title, author, info.SourceFormat, info.SegmentCount, narration, info.Version)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the books in the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.close()

			books, err := application.library.ListBooks(cmd.Context())
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Library is empty")
				return nil
			}
			for _, book := range books {
				author := ""
				if book.Author != nil {
					author = " by " + *book.Author
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s%s\t%s\t%s\n",
					book.ID, book.Title, author, book.SourceFormat, book.NarrationStatus)
			}
			return nil
		},
	}
}
