package main

import (
	"bytes"
	"context"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainproof/chainproof/internal/agent"
	"github.com/chainproof/chainproof/internal/config"
	"github.com/chainproof/chainproof/pkg/log"
)

const agentIDFilename = "agent_id"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := log.InitLog(log.ParseLevel(cfg.Agent.LogLevel))
		defer func() { _ = logger.Sync() }()

		undo := zap.ReplaceGlobals(logger)
		defer undo()

		agentID, err := ensureAgentID(cfg.Agent.DataDir)
		if err != nil {
			zap.S().Fatalf("failed to ensure agent id: %v", err)
		}

		if err := agent.New(agentID, cfg).Run(context.Background()); err != nil {
			zap.S().Fatalf("failed to run agent: %v", err)
		}
		return nil
	},
}

// ensureAgentID reads the persisted agent id, generating and writing
// one on first start. The id anchors the worker rows this host owns,
// so it must survive restarts.
func ensureAgentID(dataDir string) (uuid.UUID, error) {
	idPath := path.Join(dataDir, agentIDFilename)

	content, err := os.ReadFile(idPath)
	if err == nil {
		return uuid.Parse(string(bytes.TrimSpace(content)))
	}
	if !os.IsNotExist(err) {
		return uuid.Nil, err
	}

	id := uuid.New()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return uuid.Nil, err
	}
	if err := os.WriteFile(idPath, []byte(id.String()), 0o644); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
