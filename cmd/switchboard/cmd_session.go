package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd, sessionRenameCmd)
	sessionDeleteCmd.Flags().BoolVar(&sessionDeleteForce, "force", false, "delete even if the session is processing")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

func openStore() (*store.Store, error) {
	cfg := loadConfig()
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return st, nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		list := st.List()
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMODE\tLABELS\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.Name,
				s.PermissionMode,
				strings.Join(s.Labels, ","),
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's details and recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		sess, err := st.Get(types.SessionID(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", sess.ID)
		fmt.Printf("Name:      %s\n", sess.Name)
		fmt.Printf("Workspace: %s\n", sess.WorkspaceID)
		fmt.Printf("Mode:      %s\n", sess.PermissionMode)
		fmt.Printf("Labels:    %s\n", strings.Join(sess.Labels, ","))
		fmt.Printf("Dir:       %s\n", sess.WorkingDir)
		fmt.Printf("Created:   %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:   %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Tokens:    in=%d out=%d cost=$%.4f\n",
			sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.Usage.CostUSD)

		msgs := sess.Messages
		if len(msgs) > 10 {
			msgs = msgs[len(msgs)-10:]
		}
		if len(msgs) > 0 {
			fmt.Printf("\nLast %d messages:\n", len(msgs))
			for _, m := range msgs {
				content := m.Content
				if len(content) > 120 {
					content = content[:120] + "..."
				}
				fmt.Printf("  [%s] %s\n", m.Role, content)
			}
		}
		return nil
	},
}

var sessionDeleteForce bool

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		id := types.SessionID(args[0])
		if err := st.Delete(id, sessionDeleteForce); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", id)
		return nil
	},
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		id := types.SessionID(args[0])
		if err := st.Rename(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed session %s to %q\n", id, args[1])
		return nil
	},
}
