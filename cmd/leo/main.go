// Command leo is the composition root: it wires a Backend Store Adapter, a
// Secure Store, and (for the listen subcommand) an Index Listener, the way
// the teacher's cmd/aisnode wires a target out of its constituent packages.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/leohq/leo/internal/backend"
	"github.com/leohq/leo/internal/backend/localblob"
	"github.com/leohq/leo/internal/leolease"
	leoconfig "github.com/leohq/leo/internal/config"
	"github.com/leohq/leo/internal/leocrypto"
	"github.com/leohq/leo/internal/leoindex"
	"github.com/leohq/leo/internal/leoqueue"
	"github.com/leohq/leo/internal/leostats"
	"github.com/leohq/leo/internal/leostore"
)

func main() {
	app := cli.NewApp()
	app.Name = "leo"
	app.Usage = "encrypted, versioned object storage engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "leo.json", Usage: "path to the JSON config file"},
		cli.StringFlag{Name: "store", Value: "leo.db", Usage: "localblob database path (or :memory:)"},
	}
	app.Commands = []cli.Command{
		configInitCommand,
		reindexCommand,
		listenCommand,
	}

	if err := app.Run(os.Args); err != nil {
		glog.Fatalf("leo: %v", err)
	}
}

var configInitCommand = cli.Command{
	Name:  "config-init",
	Usage: "write the default configuration to --config",
	Action: func(c *cli.Context) error {
		path := c.GlobalString("config")
		if err := leoconfig.Save(path, leoconfig.Default()); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	},
}

var reindexCommand = cli.Command{
	Name:      "reindex",
	Usage:     "walk a container and re-emit every item as an index event",
	ArgsUsage: "<container>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "prefix", Usage: "restrict to basePaths under this prefix"},
	},
	Action: func(c *cli.Context) error {
		container := c.Args().First()
		if container == "" {
			return cli.NewExitError("reindex requires a container argument", 2)
		}
		_, adapter, store, err := wire(c)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		var prefix *string
		if p := c.String("prefix"); p != "" {
			prefix = &p
		}
		return store.ReIndexAll(context.Background(), container, prefix)
	},
}

var listenCommand = cli.Command{
	Name:  "listen",
	Usage: "run the Index Listener until interrupted",
	Action: func(c *cli.Context) error {
		cfg, adapter, store, err := wire(c)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		registry := leoindex.NewRegistry()
		if err := registry.RegisterPath("", loggingIndexer{}); err != nil {
			return err
		}

		listener := &leoindex.Listener{
			Queue:          store.IndexQueue,
			Registry:       registry,
			Stats:          store.Stats,
			Sink:           func(err error) { glog.Errorf("leo: listener error: %v", err) },
			Parallelism:    cfg.Listener.Parallelism,
			EmptyPollSleep: cfg.Listener.EmptyPollSleep,
			MaxBatch:       cfg.Listener.MaxBatch,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		glog.Infof("leo: listener starting, parallelism=%d", cfg.Listener.Parallelism)
		return listener.Run(ctx)
	},
}

// loggingIndexer is the built-in fallback indexer: it logs every event it
// receives. Real deployments register their own Indexer/Reindexer against
// the Registry before calling Listener.Run; this exists so `leo listen` is
// useful standalone for smoke-testing a queue and backend wiring.
type loggingIndexer struct{}

func (loggingIndexer) Index(_ context.Context, details leoqueue.StoreDataDetails) error {
	glog.Infof("leo: index event container=%s basePath=%s", details.Container, details.BasePath)
	return nil
}

func wire(c *cli.Context) (*leoconfig.Config, *localblob.Backend, *leostore.SecureStore, error) {
	cfg, err := leoconfig.Load(c.GlobalString("config"))
	if errors.Is(err, os.ErrNotExist) {
		cfg = leoconfig.Default()
	} else if err != nil {
		return nil, nil, nil, err
	}

	signer := leolease.NewSigner(cfg.SigningSecret())
	adapter, err := localblob.New(c.GlobalString("store"), signer)
	if err != nil {
		return nil, nil, nil, err
	}

	store := leostore.New(adapter)
	store.Compressor = leocrypto.ByName(cfg.CompressionCodec)
	store.IndexQueue = leoqueue.NewInMemory(cfg.Queue.MessageLeaseDuration)
	store.Stats = leostats.New(prometheus.DefaultRegisterer)
	return cfg, adapter, store, nil
}

func closeAdapter(a backend.Adapter) {
	if c, ok := a.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			glog.Warningf("leo: close adapter: %v", err)
		}
	}
}
