package main

import (
	"agentarena/internal/guest"

	"github.com/spf13/cobra"
)

// initCmd confines agents started by the local backend. The executor
// re-executes itself with it, the same way the guest manager does.
var initCmd = &cobra.Command{
	Use:    guest.InitCommand,
	Short:  "Confine the current process and exec the agent",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return guest.RunInit()
	},
}
