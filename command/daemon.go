package command

import (
	"fmt"
	"time"

	"github.com/filecoin-project/dagdriver/config"
	"github.com/filecoin-project/dagdriver/driver"
	"github.com/filecoin-project/dagdriver/internal/policy"
	"github.com/filecoin-project/dagdriver/server/status"
	prom "contrib.go.opencensus.io/exporter/prometheus"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
)

var daemonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  dirFlagName,
		Usage: "Directory for the configuration file",
	},
}

var DaemonCmd = &cli.Command{
	Name:   "daemon",
	Usage:  "Run the dagdriver event loop",
	Flags:  daemonFlags,
	Action: daemonCmd,
}

func daemonCmd(cctx *cli.Context) error {
	ctx := cctx.Context

	cfg, err := config.Load(cctx.String(dirFlagName))
	if err != nil {
		return err
	}

	selfID, err := peer.Decode(cfg.Identity.PeerID)
	if err != nil {
		return fmt.Errorf("decoding configured peer id: %w", err)
	}

	ds, err := leveldb.NewDatastore(cfg.Driver.DatastoreDir, nil)
	if err != nil {
		return fmt.Errorf("opening datastore at %s: %w", cfg.Driver.DatastoreDir, err)
	}
	defer ds.Close()

	persist := driver.NewDatastoreStore(ds)

	if err := view.Register(driver.Views...); err != nil {
		return fmt.Errorf("registering metrics views: %w", err)
	}
	promExporter, err := prom.NewExporter(prom.Options{Namespace: "dagdriver"})
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}
	view.RegisterExporter(promExporter)

	retryInterval := time.Duration(cfg.Driver.RetryIntervalMillis) * time.Millisecond

	opts := []driver.Option{driver.WithRetryInterval(retryInterval)}
	pol, err := policy.New(policy.Config{
		Action: cfg.Policy.Action,
		Except: cfg.Policy.Except,
		Trust:  cfg.Policy.Trust,
	})
	if err != nil {
		return fmt.Errorf("building peer policy: %w", err)
	}
	opts = append(opts, driver.WithPolicy(pol))

	// No real transport is wired in this repo: NetworkSender is treated as
	// an externally-constructed, injected capability (out of scope here).
	// A single daemon loops sends back to itself so it is still useful for
	// exercising end to end via the synthetic command.
	drv := driver.New(selfID, nil, persist, nil, opts...)
	drv.SetNetwork(driver.NewLoopbackNetworkSender(drv.Events()))

	srv, err := status.New(cfg.Driver.StatusListen, drv, promExporter)
	if err != nil {
		return fmt.Errorf("creating status server: %w", err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Errorw("Status server stopped", "err", err)
		}
	}()

	log.Infow("Starting dagdriver daemon", "peerid", selfID, "statuslisten", cfg.Driver.StatusListen)
	return drv.Run(ctx)
}
