package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var permissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Decide and maintain agent permission requests",
}

var permissionLsCmd = &cobra.Command{
	Use:   "ls <session-id>",
	Short: "List permission requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		if _, err := s.ProcessMessages(cmd.Context(), 0); err != nil {
			return err
		}

		doc := s.Snapshot()
		if output, _ := cmd.Flags().GetString("output"); output == "yaml" {
			return printYAML(doc.Permissions)
		}
		if len(doc.Permissions) == 0 {
			fmt.Println("No permission requests")
			return nil
		}

		rows := make([][]string, 0, len(doc.Permissions))
		for _, perm := range doc.Permissions {
			rows = append(rows, []string{
				perm.RequestID,
				perm.AgentID,
				perm.Action,
				perm.Resource,
				string(perm.Status),
				perm.CreatedAt.Format(time.RFC3339),
			})
		}
		fmt.Println(renderTable([]string{"Request", "Agent", "Action", "Resource", "Status", "Created"}, rows))
		return nil
	},
}

var permissionGrantCmd = &cobra.Command{
	Use:   "grant <session-id> <request-id>",
	Short: "Grant a pending request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		return s.GrantPermission(cmd.Context(), args[1], true, reason, "operator")
	},
}

var permissionDenyCmd = &cobra.Command{
	Use:   "deny <session-id> <request-id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		return s.GrantPermission(cmd.Context(), args[1], false, reason, "operator")
	},
}

var permissionSweepCmd = &cobra.Command{
	Use:   "sweep <session-id>",
	Short: "Expire stale pending requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		expired, err := s.ClearExpiredPermissions(permissionMaxAge())
		if err != nil {
			return err
		}
		fmt.Printf("Expired %d request(s)\n", len(expired))
		return nil
	},
}

var permissionEscalateCmd = &cobra.Command{
	Use:   "escalate <session-id> <request-id> <human-id>",
	Short: "Forward a pending request to a human",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		return s.EscalateToUser(cmd.Context(), args[1], args[2], note)
	},
}

func init() {
	permissionLsCmd.Flags().String("output", "", "output format (yaml)")
	permissionGrantCmd.Flags().String("reason", "", "reason recorded with the decision")
	permissionDenyCmd.Flags().String("reason", "", "reason recorded with the decision")
	permissionEscalateCmd.Flags().String("note", "", "context appended for the human reviewer")

	permissionCmd.AddCommand(permissionLsCmd, permissionGrantCmd, permissionDenyCmd, permissionSweepCmd, permissionEscalateCmd)
	rootCmd.AddCommand(permissionCmd)
}
