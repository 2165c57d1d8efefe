package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X".
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildDate  = "unknown"
)

const packageName = "rdkb-lab"

func versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the rdkb-lab version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			long, err := cmd.Flags().GetBool(versionLong)
			if err != nil {
				return err
			}
			short, err := cmd.Flags().GetBool(versionShort)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case short:
				fmt.Fprintln(out, Version)
			case long:
				fmt.Fprintf(out, "%s\n  Version:    %s\n  CommitHash: %s\n  BuildDate:  %s\n",
					packageName, Version, CommitHash, BuildDate)
			default:
				fmt.Fprintf(out, "%s %s\n", packageName, Version)
			}
			return nil
		},
	}

	_ = cmd.Flags().Bool(versionLong, false, "Print long version information")
	_ = cmd.Flags().Bool(versionShort, false, "Print short version information")

	return cmd
}
