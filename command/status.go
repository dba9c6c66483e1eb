package command

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/filecoin-project/dagdriver/config"
	"github.com/filecoin-project/dagdriver/dag"
	"github.com/filecoin-project/dagdriver/driver"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"github.com/urfave/cli/v2"
)

var statusFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  dirFlagName,
		Usage: "Directory for the configuration file",
	},
	&cli.BoolFlag{
		Name:  "graph",
		Usage: "Render the persisted DAG to a PNG file instead of querying the daemon",
	},
	&cli.StringFlag{
		Name:  "out",
		Usage: "Output file for --graph",
		Value: "dag.png",
	},
}

var StatusCmd = &cli.Command{
	Name:   "status",
	Usage:  "Report the running driver's pending/missing counts, or render the persisted DAG",
	Flags:  statusFlags,
	Action: statusCmd,
}

func statusCmd(cctx *cli.Context) error {
	if cctx.Bool("graph") {
		return renderGraph(cctx)
	}

	cfg, err := config.Load(cctx.String(dirFlagName))
	if err != nil {
		return err
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/status", cfg.Driver.StatusListen))
	if err != nil {
		return fmt.Errorf("querying status server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

// renderGraph reads the on-disk datastore directly (the daemon need not be
// running) and renders the persisted DAG as a PNG, reusing dag.Store's
// round-indexed structure purely for its DOT export.
func renderGraph(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String(dirFlagName))
	if err != nil {
		return err
	}

	ds, err := leveldb.NewDatastore(cfg.Driver.DatastoreDir, nil)
	if err != nil {
		return fmt.Errorf("opening datastore at %s: %w", cfg.Driver.DatastoreDir, err)
	}
	defer ds.Close()

	persist := driver.NewDatastoreStore(ds)

	ctx := cctx.Context
	_, dagNodes, err := persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted dag records: %w", err)
	}

	sort.Slice(dagNodes, func(i, j int) bool { return dagNodes[i].Round < dagNodes[j].Round })

	store := dag.NewStore()
	for _, node := range dagNodes {
		store.Insert(node)
	}

	png, err := store.RenderPNG(ctx)
	if err != nil {
		return fmt.Errorf("rendering dag: %w", err)
	}

	out := cctx.String("out")
	if err := os.WriteFile(out, png, 0o644); err != nil {
		return err
	}
	log.Infow("Rendered dag graph", "path", out, "nodes", len(dagNodes))
	return nil
}
