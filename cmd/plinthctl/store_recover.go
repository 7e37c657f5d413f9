package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	mbp "go.plinth.dev/core/mainboilerplate"
	"go.plinth.dev/core/partition"
)

type cmdStoreRecover struct {
	specConfig
	Input struct {
		Dir string `positional-arg-name:"dir" description:"Store directory"`
	} `positional-args:"yes" required:"yes"`
}

func init() {
	_ = mustAddCmd(cmdStore, "recover", "Recover a store directory to its durable horizon", `
Recover opens the store described by its specification, which rolls every
file back to the durable horizon: published backup logs at or above the
horizon marker are replayed and then removed, while stale or incomplete
backups are discarded. The store is then cleanly closed.

Recovery also happens automatically when a store is next opened by its
owning process. Use this command to perform that work ahead of time, or to
verify that a crashed store directory is intact.

Recover is idempotent: a second run finds no backups and changes nothing.

Examples:

# Recover a store using the store.yaml specification within it:
plinthctl store recover /var/lib/plinth/graph-0

# Recover a store using an explicit specification:
plinthctl store recover /var/lib/plinth/graph-0 --spec /etc/plinth/graph.yaml
`, &cmdStoreRecover{})
}

func (cmd *cmdStoreRecover) Execute([]string) error {
	startup()

	var opts, err = cmd.load(cmd.Input.Dir)
	if err != nil {
		return err
	}

	var set *partition.Set
	set, err = partition.Open(cmd.Input.Dir, opts)
	mbp.Must(err, "failed to open store", "dir", cmd.Input.Dir)

	var stats = set.Stats()
	fmt.Printf("Recovered %s to horizon %d.\n\n", cmd.Input.Dir, stats.Horizon)

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"File", "Size"})
	for _, f := range stats.Files {
		table.Append([]string{f.Path, humanize.IBytes(uint64(f.Size))})
	}
	table.Render()

	return set.Close()
}
