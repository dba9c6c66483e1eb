package command

import (
	"github.com/filecoin-project/dagdriver/config"
	"github.com/urfave/cli/v2"
)

var initFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "dir",
		Usage: "Directory for the configuration file, defaults to " + config.EnvDir + " or ~/.dagdriver",
	},
	&cli.StringFlag{
		Name:  "peerid",
		Usage: "This validator's libp2p peer ID",
	},
	&cli.StringFlag{
		Name:  "keyfile",
		Usage: "Path to the private key file identifying this validator",
	},
	&cli.StringFlag{
		Name:  "statuslisten",
		Usage: "Address the read-only status server listens on",
		Value: "0.0.0.0:3001",
	},
	&cli.IntFlag{
		Name:  "retryinterval",
		Usage: "Fetch-retry tick period in milliseconds",
		Value: 500,
	},
	&cli.StringFlag{
		Name:  "datastoredir",
		Usage: "Directory for the persistent DAG/pending datastore",
		Value: "datastore",
	},
}

var InitCmd = &cli.Command{
	Name:   "init",
	Usage:  "Initialize dagdriver node config file",
	Flags:  initFlags,
	Action: initCmd,
}

func initCmd(cctx *cli.Context) error {
	dir := cctx.String("dir")

	opts := []func(*config.Config){
		func(c *config.Config) {
			c.Identity.PeerID = cctx.String("peerid")
			c.Identity.KeyFile = cctx.String("keyfile")
			if v := cctx.String("statuslisten"); v != "" {
				c.Driver.StatusListen = v
			}
			if v := cctx.Int("retryinterval"); v != 0 {
				c.Driver.RetryIntervalMillis = v
			}
			if v := cctx.String("datastoredir"); v != "" {
				c.Driver.DatastoreDir = v
			}
		},
	}

	cfg, err := config.Init(dir, opts...)
	if err != nil {
		return err
	}

	path, err := config.Path(dir)
	if err != nil {
		return err
	}
	log.Infow("Initialized dagdriver config", "path", path, "peerid", cfg.Identity.PeerID)
	return nil
}
