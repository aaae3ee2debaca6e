package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
)

var (
	agentsYard   int64
	agentsOnline bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the fleet",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		db, err := database.Open(cfg.Database, nil)
		if err != nil {
			fmt.Printf("Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := listAgents(cmd.Context(), db, os.Stdout, agentsYard, agentsOnline); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	agentsListCmd.Flags().Int64Var(&agentsYard, "yard", 0, "Only agents of this yard")
	agentsListCmd.Flags().BoolVar(&agentsOnline, "online", false, "Only connected agents")
	agentsCmd.AddCommand(agentsListCmd)
}

func listAgents(ctx context.Context, db *database.DB, w io.Writer, yardID int64, online bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conds := database.Conditions{}
	if yardID != 0 {
		conds["yard_id"] = yardID
	}
	if online {
		conds["connection_status"] = database.ConnectionOnline
	}
	agents, err := db.Agents.List(ctx, conds)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUUID\tNAME\tYARD\tCONNECTION\tSTATUS")
	for _, a := range agents {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", a.ID, a.UUID, a.Name, a.YardID, a.ConnectionStatus, a.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d agent(s)\n", len(agents))
	return nil
}
