package cmd

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ash-run/bridge/internal/agentdir"
	"github.com/ash-run/bridge/internal/store"
)

var (
	deployTenant string
	deployName   string
	deployPath   string
)

// deployCmd implements "bridge deploy", the agent-admin command named by
// spec.md §3's "path resolves to a directory containing a required
// CLAUDE.md-equivalent system-prompt file; this is validated on deploy."
var deployCmd = &cobra.Command{
	Use:     "deploy",
	Aliases: []string{"agent-register"},
	Short:   "Validate and register an agent directory",
	Long: `Validate that --path contains a well-formed CLAUDE.md system-prompt file,
then upsert the (tenant, name) -> path mapping sessions are created against.`,
	Run: func(cmd *cobra.Command, args []string) {
		runDeploy()
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployTenant, "tenant", "default", "Tenant to register the agent under")
	deployCmd.Flags().StringVar(&deployName, "name", "", "Agent name (required)")
	deployCmd.Flags().StringVar(&deployPath, "path", "", "Path to the agent directory (required)")
}

func runDeploy() {
	if deployName == "" || deployPath == "" {
		log.Fatal("bridge deploy: --name and --path are required")
	}

	if _, err := agentdir.Validate(deployPath); err != nil {
		log.Fatalf("bridge deploy: %v", err)
	}

	db, err := store.Open(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bridge deploy: open store: %v", err)
	}
	defer db.Close()

	agent, err := db.UpsertAgent(context.Background(), deployTenant, deployName, deployPath)
	if err != nil {
		log.Fatalf("bridge deploy: %v", err)
	}
	log.Printf("bridge deploy: registered agent %s/%s -> %s", agent.Tenant, agent.Name, agent.Path)
}
