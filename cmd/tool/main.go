package tool

import (
	"github.com/spf13/cobra"

	"github.com/slabworks/segstore/cmd/tool/scan"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified journal tool"
	toolExample   = "segstore tool scan [flags]"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		SuggestFor: []string{"scan"},
		Example:    toolExample,
	}
)

func init() {
	Cmd.AddCommand(scan.Cmd)
}
