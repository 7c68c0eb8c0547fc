// Command dynamod runs the federated storage inventory and action
// scheduling daemon.
package main

import (
	"fmt"
	"os"

	"dynamo.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
