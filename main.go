package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/reloadpet/reloadpet/internal/rpframe"
	"github.com/reloadpet/reloadpet/internal/rpstore"
	"github.com/reloadpet/reloadpet/internal/rpstore/rpgcpstoragestore"
	"github.com/reloadpet/reloadpet/internal/rpstore/rpmemorystore"
)

const defaultPort = 8120

func main() {
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "reloadpet",
		Short: "Reload-advancing pet image server",
		Long: strings.TrimSpace(`
Serves a single looping animation, one frame per request: each visitor sees
the next frame of their pet's animation every time the page embedding it is
reloaded. Which animation is "today's" rotates deterministically by calendar
day over the sets found under the asset directory.

Running with no arguments starts the server.
		`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
reloadpet serve

# list available animations and today's selection
reloadpet inspect
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				abortErr(err)
			}
		},
	}

	// reloadpet serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start the pet server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts the pet server, binding to $PORT, or default to %d. Frames for today's
animation are loaded into memory up front; failing to find any animation under
$ASSET_DIR is fatal.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// reloadpet inspect
	{
		cmd := &cobra.Command{
			Use:   "inspect",
			Short: "Inspect available animations",
			Long: strings.TrimSpace(`
Enumerates the animations under $ASSET_DIR with their frame counts, validating
that every set loads, and marks which one $DAY_OFFSET selects today. Useful as
a check after regenerating assets.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runInspect(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

type Config struct {
	AssetDir              string        `env:"ASSET_DIR" envDefault:"./animations"`
	ContentType           string        `env:"CONTENT_TYPE" envDefault:"image/svg+xml"`
	DayOffset             int           `env:"DAY_OFFSET" envDefault:"0"`
	DeniedIPs             []string      `env:"DENIED_IPS" envSeparator:","`
	GCPServiceAccountJSON string        `env:"GCP_SERVICE_ACCOUNT_JSON"`
	GCPStorageBucket      string        `env:"GCP_STORAGE_BUCKET"`
	MaxVisitors           int           `env:"MAX_VISITORS" envDefault:"10000"`
	Port                  int           `env:"PORT" envDefault:"8120"`
	RotateCheckInterval   time.Duration `env:"ROTATE_CHECK_INTERVAL" envDefault:"1m"`
	SweepInterval         time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	VisitorTTL            time.Duration `env:"VISITOR_TTL" envDefault:"1h"`
}

func runServe() error {
	ctx := context.Background()

	config := Config{}
	if err := env.Parse(&config); err != nil {
		return xerrors.Errorf("error parsing env config: %w", err)
	}

	logger := logrus.New()

	ids, err := rpframe.DiscoverAnimations(config.AssetDir)
	if err != nil {
		return xerrors.Errorf("error discovering animations: %w", err)
	}

	frameStore := rpframe.NewFrameStore(logger, config.AssetDir)

	animationID := rpframe.SelectForDay(ids, rpframe.EpochDays(time.Now()), config.DayOffset)
	if _, err := frameStore.Load(animationID); err != nil {
		// Nothing was ever loaded, so there's nothing to fall back to and
		// the server shouldn't accept traffic.
		return xerrors.Errorf("error loading today's animation: %w", err)
	}

	// Closed never; background loops run until the process exits.
	shutdown := make(chan struct{})

	var visitors rpstore.VisitorStore
	if config.GCPStorageBucket != "" {
		visitors = rpgcpstoragestore.NewGCPStorageStore(ctx, logger,
			config.GCPServiceAccountJSON, config.GCPStorageBucket, config.VisitorTTL)
	} else {
		memoryStore := rpmemorystore.NewMemoryStore(logger, config.MaxVisitors, config.VisitorTTL, config.SweepInterval)
		go memoryStore.SweepLoop(shutdown)
		visitors = memoryStore
	}

	go frameStore.RotateLoop(shutdown, config.DayOffset, config.RotateCheckInterval)

	denyList := NewMemoryDenyList(config.DeniedIPs)

	server := NewServer(logger, frameStore, visitors, denyList, config.Port, config.ContentType)
	if err := server.Start(); err != nil {
		return err
	}

	return nil
}

func runInspect() error {
	config := Config{}
	if err := env.Parse(&config); err != nil {
		return xerrors.Errorf("error parsing env config: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	ids, err := rpframe.DiscoverAnimations(config.AssetDir)
	if err != nil {
		return xerrors.Errorf("error discovering animations: %w", err)
	}

	selected := rpframe.SelectForDay(ids, rpframe.EpochDays(time.Now()), config.DayOffset)

	frameStore := rpframe.NewFrameStore(logger, config.AssetDir)
	for _, id := range ids {
		frameCount, err := frameStore.Load(id)
		if err != nil {
			fmt.Printf("%-20s UNLOADABLE: %v\n", id, err)
			continue
		}

		marker := ""
		if id == selected {
			marker = "  <- today"
		}
		fmt.Printf("%-20s %3d frame(s)%s\n", id, frameCount, marker)
	}

	return nil
}
