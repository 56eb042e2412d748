package main

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/harunnryd/drover/internal/deaddrop"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents within a session",
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn <session-id>",
	Short: "Provision and register a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		name, _ := cmd.Flags().GetString("name")
		remote, _ := cmd.Flags().GetBool("remote")
		if workspace == "" || name == "" {
			return fmt.Errorf("--workspace and --name are required")
		}

		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		agentID, err := s.SpawnAgent(cmd.Context(), workspace, name, remote)
		if err != nil {
			return err
		}
		fmt.Println(agentID)
		return nil
	},
}

var agentMsgCmd = &cobra.Command{
	Use:   "msg <session-id> <agent-id> <description>",
	Short: "Assign a task to one agent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}

		taskID := ulid.Make().String()
		doc := s.Snapshot()
		msg, err := deaddrop.NewMessage(deaddrop.KindTaskAssign, doc.CoordinatorID, deaddrop.TaskAssignPayload{
			TaskID:      taskID,
			Description: args[2],
		}, cfg.Deaddrop.CompressThreshold)
		if err != nil {
			return err
		}
		msg.TaskID = taskID

		if err := s.MessageAgent(cmd.Context(), args[1], msg); err != nil {
			return err
		}
		fmt.Println(taskID)
		return nil
	},
}

var agentBroadcastCmd = &cobra.Command{
	Use:   "broadcast <session-id> <text>",
	Short: "Ask a question of every agent in the room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}

		doc := s.Snapshot()
		msg, err := deaddrop.NewMessage(deaddrop.KindQuestion, doc.CoordinatorID, deaddrop.QuestionPayload{
			QuestionID: ulid.Make().String(),
			Text:       args[1],
		}, cfg.Deaddrop.CompressThreshold)
		if err != nil {
			return err
		}
		return s.Broadcast(cmd.Context(), msg)
	},
}

var agentTerminateCmd = &cobra.Command{
	Use:   "terminate <session-id> <agent-id>",
	Short: "Terminate an agent",
	Long:  `Sends a terminate message best-effort and marks the agent TERMINATED either way.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		return s.TerminateAgent(cmd.Context(), args[1], reason)
	},
}

var agentHealthCmd = &cobra.Command{
	Use:   "health <session-id>",
	Short: "List agents that have gone quiet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(args[0])
		if err != nil {
			return err
		}
		if _, err := s.ProcessMessages(cmd.Context(), 0); err != nil {
			return err
		}

		stale := s.CheckAgentHealth(healthThreshold())
		if len(stale) == 0 {
			fmt.Println("All agents healthy")
			return nil
		}
		doc := s.Snapshot()
		rows := make([][]string, 0, len(stale))
		for _, agentID := range stale {
			rec := doc.Agents[agentID]
			rows = append(rows, []string{agentID, rec.DisplayName, string(rec.State)})
		}
		fmt.Println(renderTable([]string{"Agent", "Name", "State"}, rows))
		return nil
	},
}

func init() {
	agentSpawnCmd.Flags().String("workspace", "", "workspace name to provision")
	agentSpawnCmd.Flags().String("name", "", "display name")
	agentSpawnCmd.Flags().Bool("remote", false, "provision a remote execution context")
	agentTerminateCmd.Flags().String("reason", "", "reason recorded with the terminate message")

	agentCmd.AddCommand(agentSpawnCmd, agentMsgCmd, agentBroadcastCmd, agentTerminateCmd, agentHealthCmd)
	rootCmd.AddCommand(agentCmd)
}
