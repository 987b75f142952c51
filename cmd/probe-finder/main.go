// Command probe-finder searches a running probehubd's /probes/search
// endpoint. Exit 0 on at least one match, 1 on no match, 2 on invalid
// arguments (§6).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kazcomy/debug-probe-hub/hubclient"
)

type CLI struct {
	Addr      string `default:"http://localhost:8080" placeholder:"<url>" help:"probehubd base URL"`
	Interface string `help:"filter by interface kind"`
	VID       string `help:"filter by USB vendor id (hex)"`
	PID       string `help:"filter by USB product id (hex)"`
	Serial    string `help:"filter by serial number"`
	Name      string `help:"filter by name substring"`
	JSON      bool   `help:"print raw JSON instead of one tab-separated line per match"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("Find a connected debug probe by interface/vid/pid/serial/name."))

	if cli.Interface == "" && cli.VID == "" && cli.PID == "" && cli.Serial == "" && cli.Name == "" {
		fmt.Fprintln(os.Stderr, "probe-finder: at least one filter is required")
		os.Exit(2)
	}

	ctx := context.Background()
	client := hubclient.New(cli.Addr)

	result, err := client.Search(ctx, cli.Interface, cli.VID, cli.PID, cli.Serial, cli.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe-finder: %v\n", err)
		os.Exit(2)
	}

	if cli.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
	} else {
		for _, m := range result.Matches {
			fmt.Printf("%d\t%s\t%s\t%s\n", m.ID, m.Name, m.Interface, m.ObservedSerial)
		}
	}

	if result.Count == 0 {
		os.Exit(1)
	}
}
