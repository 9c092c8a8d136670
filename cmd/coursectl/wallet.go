package main

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
	"github.com/spf13/cobra"
)

func newWalletCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Connect the wallet signer and inspect its balance",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "connect",
			Short: "Ask the wallet for account access",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
					adapter, err := runtime.connectWallet()
					if err != nil {
						return err
					}
					session, err := adapter.Connect(cmd.Context())
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "connected %s on network %s\n", session.Address, session.NetworkID)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "balance",
			Short: "Show the balance of the connected account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
					adapter, err := runtime.connectWallet()
					if err != nil {
						return err
					}
					if _, connected := adapter.Session(); !connected {
						if _, err := adapter.Connect(cmd.Context()); err != nil {
							return err
						}
					}
					session, err := adapter.RefreshBalance(cmd.Context())
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", session.Address, session.Balance)
					return err
				})
			},
		},
	)
	return cmd
}
