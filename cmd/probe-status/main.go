// Command probe-status queries a running probehubd's /status endpoint
// and prints per-probe connectivity, or a dispatch history with
// --history (SPEC_FULL §C.5). Exit 0 on success, 2 when the daemon
// cannot be queried.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/kazcomy/debug-probe-hub/hubclient"
)

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

type CLI struct {
	Addr    string `default:"http://localhost:8080" placeholder:"<url>" help:"probehubd base URL"`
	JSON    bool   `help:"print raw JSON instead of a table"`
	History int    `help:"show the N most recent dispatch history rows instead of live status (SPEC_FULL §C.5)" placeholder:"<n>"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("Report Debug Probe Hub probe connectivity."))

	ctx := context.Background()
	client := hubclient.New(cli.Addr)

	if cli.History > 0 {
		runHistory(ctx, client, cli)
		return
	}

	statuses, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe-status: %v\n", err)
		os.Exit(2)
	}

	if cli.JSON {
		printJSON(statuses)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINTERFACE\tCONNECTED\tMATCH\tSERIAL")
	for _, s := range statuses {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n", s.ID, s.Name, s.Interface, s.Connected, s.Match, s.ObservedSerial)
	}
	w.Flush()
}

func runHistory(ctx context.Context, client *hubclient.Client, cli CLI) {
	records, err := client.History(ctx, cli.History)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe-status: %v\n", err)
		os.Exit(2)
	}

	if cli.JSON {
		printJSON(records)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROBE\tTARGET\tMODE\tCONTAINER\tDISPATCHED\tENDED\tSTOP REASON")
	for _, r := range records {
		ended := ""
		if r.EndedAt != nil {
			ended = r.EndedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ProbeID, r.Target, r.Mode, r.ContainerName,
			r.DispatchedAt.Format("2006-01-02T15:04:05Z07:00"), ended, r.StopReason)
	}
	w.Flush()
}
