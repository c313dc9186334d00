package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
)

// newClassifyCmd creates the `callclaw classify` command: an offline check of
// how the approval gate would treat a shell command.
func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <command>",
		Short: "Show the risk class of a shell command",
		Long: `Classify a shell command the way the agent does before running it.
Read-only commands run without approval; destructive ones require approval
on text and are refused on voice calls.

Examples:
  callclaw classify "git log --oneline"
  callclaw classify "rm -rf /tmp/build"`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			risk := copilot.Classify(args[0])
			fmt.Println(risk.String())
			return nil
		},
	}
}
