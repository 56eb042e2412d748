package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/drover/internal/coordination"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage coordination sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new coordination session",
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")
		if namespace == "" {
			return fmt.Errorf("--namespace is required")
		}
		room, _ := cmd.Flags().GetString("room")
		coordinator, _ := cmd.Flags().GetString("coordinator")

		s, err := coordination.Create(sessionOptions(namespace), namespace, room, coordinator)
		if err != nil {
			return err
		}
		fmt.Println(s.ID())
		return nil
	},
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := coordination.List(cfg.Coordination.SessionsPath)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No sessions")
			return nil
		}

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			s, err := openSession(id)
			if err != nil {
				rows = append(rows, []string{id, "?", "?", "unreadable"})
				continue
			}
			doc := s.Snapshot()
			rows = append(rows, []string{
				id,
				doc.Namespace,
				doc.Room,
				strconv.Itoa(len(doc.Agents)),
			})
		}
		fmt.Println(renderTable([]string{"Session", "Namespace", "Room", "Agents"}, rows))
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's agents and permissions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		doc := s.Snapshot()

		if output, _ := cmd.Flags().GetString("output"); output == "yaml" {
			return printYAML(doc)
		}

		fmt.Printf("Session %s  namespace=%s room=%s created=%s\n",
			doc.SessionID, doc.Namespace, doc.Room, doc.CreatedAt.Format(time.RFC3339))

		if len(doc.Agents) > 0 {
			rows := make([][]string, 0, len(doc.Agents))
			for _, rec := range doc.Agents {
				rows = append(rows, []string{
					rec.AgentID,
					rec.DisplayName,
					rec.WorkspaceName,
					string(rec.State),
					time.Unix(rec.LastSeen, 0).Format(time.RFC3339),
				})
			}
			fmt.Println(renderTable([]string{"Agent", "Name", "Workspace", "State", "Last Seen"}, rows))
		}

		if len(doc.Permissions) > 0 {
			rows := make([][]string, 0, len(doc.Permissions))
			for _, perm := range doc.Permissions {
				rows = append(rows, []string{
					perm.RequestID,
					perm.AgentID,
					perm.Action,
					perm.Resource,
					string(perm.Status),
				})
			}
			fmt.Println(renderTable([]string{"Request", "Agent", "Action", "Resource", "Status"}, rows))
		}
		return nil
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a session, replaying room history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, err := coordination.Load(coordination.Options{SessionsPath: cfg.Coordination.SessionsPath}, args[0])
		if err != nil {
			return err
		}

		s, err := coordination.Resume(cmd.Context(), sessionOptions(probe.Snapshot().Namespace), args[0])
		if err != nil {
			return err
		}

		doc := s.Snapshot()
		fmt.Printf("Resumed session %s (%d agents, room cursor %d)\n", doc.SessionID, len(doc.Agents), doc.RoomCursor)
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordination.Delete(cfg.Coordination.SessionsPath, args[0])
	},
}

func init() {
	sessionCreateCmd.Flags().String("namespace", "", "deaddrop namespace for the session")
	sessionCreateCmd.Flags().String("room", "coordination", "shared room name")
	sessionCreateCmd.Flags().String("coordinator", "coordinator", "coordinator inbox identity")
	sessionShowCmd.Flags().String("output", "", "output format (yaml)")

	sessionCmd.AddCommand(sessionCreateCmd, sessionLsCmd, sessionShowCmd, sessionResumeCmd, sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}
