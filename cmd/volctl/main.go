// volctl is the operator CLI for the volumetry agent. It works
// directly against a storage root, without a running server.
package main

import (
	"os"

	"github.com/voxelcare/volumetry-agent/cmd/volctl/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
