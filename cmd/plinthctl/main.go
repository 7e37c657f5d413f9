package main

import (
	"github.com/jessevdk/go-flags"

	mbp "go.plinth.dev/core/mainboilerplate"
)

const iniFilename = "plinthctl.ini"

var (
	baseCfg = new(struct {
		Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	})

	parser = flags.NewParser(baseCfg, flags.Default)

	// Subcommands that exist solely to contain and organize further nested
	// subcommands; i.e., they do nothing when executed. They must be
	// initialized here so they exist prior to any init() functions being
	// called to add nested subcommands.
	cmdBackups = mustAddCmd(parser.Command, "backups", "Inspect backup log files", "", &struct{}{})
	cmdStore   = mustAddCmd(parser.Command, "store", "Interact with partition stores", "", &struct{}{})
)

func startup() {
	mbp.InitLog(baseCfg.Log)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}

func init() {
	parser.LongDescription = `plinthctl is a tool for inspecting and recovering partition stores.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure plinthctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/plinth/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	mbp.AddPrintConfigCmd(parser, iniFilename)
}

func main() {
	mbp.MustParseConfig(parser, iniFilename)
}
