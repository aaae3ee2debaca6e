package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ yardcore Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 yardcore Status")
		fmt.Printf("Version: %s\n", version)

		path, _ := config.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Config:   %s Found (%s)\n", check(true), path)
		} else {
			fmt.Printf("Config:   %s Not found (run 'yardcore init' first)\n", check(false))
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:   ? Unable to load config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Brokers:  %s\n", cfg.Broker.Brokers)
		if cfg.Roles.Replicated {
			fmt.Printf("Roles:    replicated (redis %s)\n", cfg.Redis.Address)
		} else {
			fmt.Println("Roles:    single node")
		}
		fmt.Printf("Slack:    %s\n", check(cfg.Slack.Enabled))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		printDatabaseStatus(ctx, cfg)
		printServerStatus(ctx, cfg.Server)
	},
}

func printDatabaseStatus(ctx context.Context, cfg *config.Config) {
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		fmt.Printf("Database: %s Not found (%s)\n", check(false), cfg.Database.Path)
		return
	}
	db, err := database.Open(cfg.Database, nil)
	if err != nil {
		fmt.Printf("Database: %s %v\n", check(false), err)
		return
	}
	defer db.Close()
	fmt.Printf("Database: %s %s (%s)\n", check(true), cfg.Database.Path, db.Driver())

	sum, err := db.Agents.Summary(ctx, 0)
	if err != nil {
		fmt.Printf("Agents:   ? %v\n", err)
		return
	}
	fmt.Printf("Agents:   %d total, %d online\n", sum.Total, sum.ByConnection[database.ConnectionOnline])
}

// printServerStatus asks a running node for its roles.
func printServerStatus(ctx context.Context, cfg config.ServerConfig) {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Node:     %s Not running (%s)\n", check(false), url)
		return
	}
	defer resp.Body.Close()
	var body struct {
		Roles struct {
			NodeID      string `json:"node_id"`
			Leader      bool   `json:"leader"`
			Broadcaster bool   `json:"broadcaster"`
		} `json:"roles"`
		WorkProcesses map[string]int `json:"work_processes"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		fmt.Printf("Node:     %s HTTP %d\n", check(false), resp.StatusCode)
		return
	}
	fmt.Printf("Node:     %s %s (leader %s, broadcaster %s)\n", check(true), body.Roles.NodeID,
		check(body.Roles.Leader), check(body.Roles.Broadcaster))
	active := 0
	for _, n := range body.WorkProcesses {
		active += n
	}
	fmt.Printf("Missions: %d active\n", active)
}
