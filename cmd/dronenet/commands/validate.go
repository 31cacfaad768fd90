package commands

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/raskyld/dronenet"
)

var validateCmd = &cobra.Command{
	Use:   "validate <topology.toml>",
	Short: "Checks a topology file and prints its links",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		topo, err := dronenet.LoadConfig(args[0])
		if err != nil {
			log.Fatal(err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d drones, %d clients, %d servers\n", len(topo.Drones), len(topo.Clients), len(topo.Servers))
		for _, e := range topo.Edges() {
			fmt.Fprintf(out, "%d <-> %d\n", e.From, e.To)
		}
	},
}
