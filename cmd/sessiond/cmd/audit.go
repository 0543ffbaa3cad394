package cmd

import "github.com/spf13/cobra"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail export and verification tools",
	Long:  `Commands for exporting the audit trail and verifying exported bundles offline.`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
