package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dhtring "go-dhtring"
	"go-dhtring/database"
	"go-dhtring/dataset"
	"go-dhtring/hashtable"
	"go-dhtring/internal/telemetry"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	hostIP      string
	hostPort    int
	statFile    string
	dbURL       string
	table       string
	datasetName string
	shardKey    string
	capacity    int
	metricsAddr string
	logLevel    string
	dev         bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "dhtnode",
		Short: "A ring DHT peer",
		Long: `Dhtnode registers with a coordinator and takes commands from the console.
A node that sets up a ring becomes its leader and shards the seed dataset across
the members; any free node can then look records up by their long name.`,
		SilenceUsage: true,
		RunE:         runNode,
	}

	rootCmd.PersistentFlags().StringVar(&statFile, "stat-file", "", "CSV seed dataset with a header row")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL for the seed dataset (overrides --stat-file)")
	rootCmd.PersistentFlags().StringVar(&table, "table", "dhtring", "PostgreSQL table prefix for seed records")
	rootCmd.PersistentFlags().StringVar(&datasetName, "dataset", "countries", "Name of the seed dataset in PostgreSQL")
	rootCmd.PersistentFlags().StringVar(&shardKey, "shard-key", dataset.DefaultShardKey, "Record field used for placement")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&dev, "dev", false, "Human-readable development logging")

	rootCmd.Flags().StringVar(&hostIP, "host-ip", "", "Coordinator IP address")
	rootCmd.Flags().IntVar(&hostPort, "host-port", 25565, "Coordinator UDP port")
	rootCmd.Flags().IntVar(&capacity, "capacity", hashtable.DefaultCapacity, "Slots in the local store; must match across the ring")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	_ = rootCmd.MarkFlagRequired("host-ip")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Load the --stat-file CSV into PostgreSQL as a seed dataset",
		Args:  cobra.NoArgs,
		RunE:  runImport,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	logger, sync, err := telemetry.NewLogger(logLevel, dev)
	if err != nil {
		return err
	}
	defer sync()

	coordinator, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(hostIP, fmt.Sprint(hostPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve coordinator: %w", err)
	}

	source, closeSource, err := openSource()
	if err != nil {
		return err
	}
	defer closeSource()

	node, err := dhtring.NewNode(coordinator.AddrPort(), source,
		dhtring.WithCapacity(capacity),
		dhtring.WithShardKey(shardKey),
		dhtring.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer node.Close()

	reader, out, err := openConsole()
	if err != nil {
		return err
	}
	defer reader.Close()

	signalCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	var lines = make(chan string)
	go readLines(reader, lines, cancel)

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		var sh = &shell{peer: node, out: out}
		return sh.serve(gctx, lines)
	})

	if metricsAddr != "" {
		var server = telemetry.NewServer(metricsAddr)
		g.Go(func() error {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func runImport(cmd *cobra.Command, args []string) error {
	if dbURL == "" || statFile == "" {
		return errors.New("import needs both --db and --stat-file")
	}

	db, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := database.Import(cmd.Context(), db, table, datasetName, shardKey, dataset.NewCSVFile(statFile, shardKey))
	if err != nil {
		return err
	}

	fmt.Printf("✓ Imported %d records into dataset %q\n", count, datasetName)
	return nil
}

// openSource returns the seed dataset this node replays when it leads or leaves a ring.
func openSource() (dataset.Source, func(), error) {
	switch {
	case dbURL != "":
		db, err := openDatabase(context.Background())
		if err != nil {
			return nil, nil, err
		}
		if err := database.ValidateTableName(table); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return database.NewSource(db, table, datasetName), func() { _ = db.Close() }, nil
	case statFile != "":
		return dataset.NewCSVFile(statFile, shardKey), func() {}, nil
	default:
		return dataset.Memory{}, func() {}, nil
	}
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
