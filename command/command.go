package command

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dagdriver/command")

// dirFlagName is shared across every subcommand that reads or writes the
// on-disk configuration.
const dirFlagName = "dir"
