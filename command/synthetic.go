package command

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/filecoin-project/dagdriver/dag"
	"github.com/filecoin-project/dagdriver/driver"
	datastore "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multihash"
	"github.com/urfave/cli/v2"
)

var syntheticFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "validators",
		Usage: "Number of synthetic validators",
		Value: 4,
	},
	&cli.IntFlag{
		Name:  "rounds",
		Usage: "Number of rounds to generate",
		Value: 10,
	},
	&cli.BoolFlag{
		Name:  "shuffle",
		Usage: "Deliver each round's nodes in random order (rounds still arrive in sequence, so no node is parked in pending)",
	},
}

var SyntheticCmd = &cli.Command{
	Name:   "synthetic",
	Usage:  "Generate a synthetic certified-node chain and feed it through a driver",
	Flags:  syntheticFlags,
	Action: syntheticCmd,
}

func syntheticCmd(cctx *cli.Context) error {
	validators := cctx.Int("validators")
	rounds := cctx.Int("rounds")
	shuffle := cctx.Bool("shuffle")

	peers := make([]peer.ID, validators)
	for i := range peers {
		peers[i] = randomPeerID()
	}

	selfID := peers[0]
	persist := driver.NewDatastoreStore(datastore.NewMapDatastore())
	drv := driver.New(selfID, nil, persist, nil, driver.WithRetryInterval(50*time.Millisecond))
	drv.SetNetwork(driver.NewLoopbackNetworkSender(drv.Events()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- drv.Run(ctx) }()

	log.Infow("Generating synthetic load", "validators", validators, "rounds", rounds, "shuffle", shuffle)

	prevRoundRefs := []dag.ParentRef(nil)
	for round := 1; round <= rounds; round++ {
		nodes := make([]dag.CertifiedNode, validators)
		for i, source := range peers {
			nodes[i] = dag.CertifiedNode{
				Source:  source,
				Round:   uint64(round),
				Digest:  randomDigest(),
				Parents: prevRoundRefs,
			}
		}

		order := make([]int, validators)
		for i := range order {
			order[i] = i
		}
		if shuffle {
			shuffleInts(order)
		}

		for _, i := range order {
			drv.Events() <- driver.CertifiedNodeMsg{Node: nodes[i], AckRequired: false}
		}

		prevRoundRefs = make([]dag.ParentRef, validators)
		for i, node := range nodes {
			prevRoundRefs[i] = dag.ParentRef{Peer: node.Source, Digest: node.Digest}
		}

		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-runErr

	log.Infow("Synthetic run complete", "pendingLen", drv.PendingLen(), "missingLen", drv.MissingLen())
	fmt.Printf("pending=%d missing=%d\n", drv.PendingLen(), drv.MissingLen())
	return nil
}

func randomDigest() dag.Digest {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	d, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return d
}

func randomPeerID() peer.ID {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	d, err := multihash.Sum(b, multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return peer.ID(d)
}

func shuffleInts(s []int) {
	b := make([]byte, len(s))
	_, _ = rand.Read(b)
	for i := len(s) - 1; i > 0; i-- {
		j := int(b[i]) % (i + 1)
		s[i], s[j] = s[j], s[i]
	}
}
