package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	"go.plinth.dev/core/tiled/backup"
)

type cmdBackupsInspect struct {
	Format string `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
	Input  struct {
		Paths []string `required:"1"`
	} `positional-args:"yes" positional-arg-name:"/path/to/backup"`
}

type backupInspection struct {
	Path string `json:"path"`
	backup.Info
	Error string `json:"error,omitempty"`
}

func init() {
	_ = mustAddCmd(cmdBackups, "inspect", "Inspect backup log files", `
Inspect reads the header and record stream of each named backup log, without
applying it, and reports the stamped horizon and record statistics.

Backup logs hold pre-images of pages overwritten since a store file's last
durable checkpoint. A published log (suffix .cln) restores its file to the
stamped horizon when replayed on open. An unpublished log (suffix .clx) is an
in-progress capture: it bears an incomplete sentinel until finished, and is
never replayed.

Examples:

# Inspect the published backup of a store file:
plinthctl backups inspect /var/lib/plinth/graph-0/primitives.cln

# Inspect every backup log of a store:
plinthctl backups inspect /var/lib/plinth/graph-0/*.cl[nx]
`, &cmdBackupsInspect{})
}

func (cmd *cmdBackupsInspect) Execute([]string) error {
	startup()

	var fs = afero.NewOsFs()
	var results []backupInspection

	for _, path := range cmd.Input.Paths {
		var info, err = backup.Inspect(fs, path)
		var r = backupInspection{Path: path, Info: info}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}

	switch cmd.Format {
	case "table":
		cmd.outputTable(results)
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cmd *cmdBackupsInspect) outputTable(results []backupInspection) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Horizon", "Records", "Pre-Images", "Size", "Note"})

	for _, r := range results {
		var horizon = fmt.Sprintf("%d", r.Horizon)
		var note string

		if !r.Complete {
			horizon = "<incomplete>"
			note = "capture was never finished"
		}
		if r.Error != "" {
			note = r.Error
		}
		table.Append([]string{
			r.Path,
			horizon,
			fmt.Sprintf("%d", r.Records),
			humanize.IBytes(uint64(r.PreImageBytes)),
			humanize.IBytes(uint64(r.FileBytes)),
			note,
		})
	}
	table.Render()
}
