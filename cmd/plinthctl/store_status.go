package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	mbp "go.plinth.dev/core/mainboilerplate"
	"go.plinth.dev/core/partition"
	"go.plinth.dev/core/tiled/backup"
)

type cmdStoreStatus struct {
	Format string `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
	Input  struct {
		Dir string `positional-arg-name:"dir" description:"Store directory"`
	} `positional-args:"yes" required:"yes"`
}

// storeEntry describes one file of a store directory.
type storeEntry struct {
	Name   string       `json:"name"`
	Bytes  int64        `json:"bytes"`
	Backup *backup.Info `json:"backup,omitempty"`
	Note   string       `json:"note,omitempty"`
}

type storeStatus struct {
	Dir     string       `json:"dir"`
	Horizon int64        `json:"horizon"`
	Entries []storeEntry `json:"entries"`
}

func init() {
	_ = mustAddCmd(cmdStore, "status", "Show the status of a store directory", `
Status reports the durable horizon and on-disk files of a store directory,
without opening or modifying the store. Backup logs found alongside store
files are inspected and classified: a published backup at or above the
durable horizon is applied by the next open, while stale or incomplete
backups are discarded.

Use status to check whether a crashed store has recovery work pending before
bringing it back online.

Examples:

# Show the status of a store:
plinthctl store status /var/lib/plinth/graph-0
`, &cmdStoreStatus{})
}

func (cmd *cmdStoreStatus) Execute([]string) error {
	startup()

	var fs = afero.NewOsFs()
	var status = storeStatus{
		Dir:     cmd.Input.Dir,
		Horizon: partition.ReadHorizon(fs, cmd.Input.Dir),
	}

	var files, err = ioutil.ReadDir(cmd.Input.Dir)
	mbp.Must(err, "failed to read store directory", "dir", cmd.Input.Dir)

	for _, fi := range files {
		if fi.IsDir() || fi.Name() == partition.MarkerName {
			continue
		}
		var entry = storeEntry{Name: fi.Name(), Bytes: fi.Size()}
		var path = filepath.Join(cmd.Input.Dir, fi.Name())

		switch {
		case strings.HasSuffix(fi.Name(), ".cln"):
			var info, err = backup.Inspect(fs, path)
			entry.Backup = &info

			if err != nil {
				entry.Note = err.Error()
			} else if !info.Complete {
				entry.Note = "incomplete backup; discarded on next open"
			} else if info.Horizon < status.Horizon {
				entry.Note = fmt.Sprintf("stale backup of horizon %d; discarded on next open", info.Horizon)
			} else {
				entry.Note = fmt.Sprintf("pending recovery to horizon %d on next open", info.Horizon)
			}
		case strings.HasSuffix(fi.Name(), ".clx"):
			entry.Note = "abandoned capture; never replayed"
		case fi.Name() == partition.MarkerName+".next":
			entry.Note = "interrupted marker update; superseded"
		}
		status.Entries = append(status.Entries, entry)
	}

	switch cmd.Format {
	case "table":
		cmd.outputTable(status)
	case "json":
		return json.NewEncoder(os.Stdout).Encode(status)
	}
	return nil
}

func (cmd *cmdStoreStatus) outputTable(status storeStatus) {
	fmt.Printf("Durable horizon of %s: %d\n\n", status.Dir, status.Horizon)

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"File", "Size", "Note"})

	for _, e := range status.Entries {
		table.Append([]string{e.Name, humanize.IBytes(uint64(e.Bytes)), e.Note})
	}
	table.Render()
}
