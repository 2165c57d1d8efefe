package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

func upCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Bring up bridges, containers and clients declared in the topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			return m.Up(cmd.Context())
		},
	}
}

func destroyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete the declared containers and their profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			return m.Destroy(cmd.Context())
		},
	}
}

func bridgesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridges",
		Short: "Reconcile the declared host bridges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}

			list, err := cmd.Flags().GetBool("list")
			if err != nil {
				return err
			}
			if !list {
				if err := m.ReconcileBridges(cmd.Context()); err != nil {
					return err
				}
			}

			for _, spec := range m.Bridges() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", spec.Name, spec.Kind)
			}
			return nil
		},
	}

	_ = cmd.Flags().Bool("list", false, "Only print the resolved bridge kinds")

	return cmd
}

func containerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "container <name>",
		Short: "Recreate one declared standard container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			return m.ReconcileContainer(cmd.Context(), args[0])
		},
	}
}

func clientCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "client <name>",
		Short: "Recreate one declared client container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			return m.ReconcileClient(cmd.Context(), args[0])
		},
	}
}

func waitNetworkCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wait-network <container> <target>",
		Short: "Wait until a container can ping target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			return m.WaitForNetwork(cmd.Context(), args[0], args[1])
		},
	}
}

func addressesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addresses <container>",
		Short: "Print the live addresses of a container interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iface, err := cmd.Flags().GetString(interfaceFlag)
			if err != nil {
				return err
			}
			m, err := a.manager()
			if err != nil {
				return err
			}

			addrs, err := m.ContainerAddresses(cmd.Context(), args[0], iface)
			if err != nil {
				return err
			}
			for _, addr := range addrs {
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}
			return nil
		},
	}

	_ = cmd.Flags().StringP(interfaceFlag, "i", "eth0", "Interface inside the container")

	return cmd
}
