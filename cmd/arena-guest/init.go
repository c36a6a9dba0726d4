package main

import (
	"agentarena/internal/guest"

	"github.com/spf13/cobra"
)

// initCmd is re-executed by the guest for every agent launch and never
// returns on success.
var initCmd = &cobra.Command{
	Use:    guest.InitCommand,
	Short:  "Confine the current process and exec the agent",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return guest.RunInit()
	},
}
