package command

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/appkins-org/rdkb-lab/internal/manager"
	"github.com/appkins-org/rdkb-lab/internal/naming"
)

func encodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <id>...",
		Short: "Print the VLAN hash of device identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			legacy, err := cmd.Flags().GetBool(legacyFlag)
			if err != nil {
				return err
			}

			for _, id := range args {
				if legacy {
					fmt.Fprintln(cmd.OutOrStdout(), naming.EncodeLegacy(id))
					continue
				}
				h, err := naming.Encode(id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), h)
			}
			return nil
		},
	}

	_ = cmd.Flags().Bool(legacyFlag, false, "Print -1 for invalid identifiers instead of failing")

	return cmd
}

func decodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hash>...",
		Short: "Print the canonical identifier of VLAN hashes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				h, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid hash %q: %w", arg, err)
				}
				id, err := naming.Decode(h)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func idsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ids",
		Short: "List every valid device identifier with its hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, id := range naming.All() {
				h, err := naming.Encode(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", h, id)
			}
			return nil
		},
	}
}

func macCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mac <name>",
		Short: "Print the MAC addresses assigned to a client container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "eth0\t%s\n", manager.PrimaryMAC(args[0]))
			fmt.Fprintf(out, "eth1\t%s\n", manager.SecondaryMAC(args[0]))
			return nil
		},
	}
}
