package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/mark3labs/mcp-go/server"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/storage"
)

// Config holds server configuration.
type Config struct {
	Port         int // 0 serves over stdio
	AWSRegion    string
	SecretPrefix string // e.g. "/dubber/mcp/"; empty skips Secrets Manager
	Version      string
	Job          config.Job
}

// DefaultConfig returns a Config populated from environment variables.
func DefaultConfig() Config {
	port, _ := strconv.Atoi(config.EnvOr("MCP_PORT", "0"))
	return Config{
		Port:         port,
		AWSRegion:    config.EnvOr(config.EnvAWSRegion, ""),
		SecretPrefix: config.EnvOr("SECRET_PREFIX", ""),
		Version:      "dev",
		Job:          *config.Default(),
	}
}

// Server is the MCP server for transcript dubbing.
type Server struct {
	cfg      Config
	mcp      *server.MCPServer
	handlers *Handlers
	log      *slog.Logger
}

// New creates and configures the MCP server. ctx bounds every dubbing job
// the server runs.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.SecretPrefix != "" && cfg.Job.Synth.APIKey == "" {
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		if key, err := loadSecret(ctx, secretsmanager.NewFromConfig(awsCfg), cfg.SecretPrefix+config.EnvTTSAPIKey); err != nil {
			logger.Warn("Failed to load secret, falling back to env vars", "error", err)
		} else {
			cfg.Job.Synth.APIKey = key
			logger.Info("Loaded secret", "secret_id", cfg.SecretPrefix+config.EnvTTSAPIKey)
		}
	}

	handlers := NewHandlers(ctx, cfg.Job, nil, logger)

	mcpServer := server.NewMCPServer(
		"dubber",
		cfg.Version,
		server.WithToolCapabilities(true),
	)
	register(mcpServer, handlers)

	return &Server{
		cfg:      cfg,
		mcp:      mcpServer,
		handlers: handlers,
		log:      logger,
	}, nil
}

func register(s *server.MCPServer, h *Handlers) {
	tools := ToolDefs()
	s.AddTool(tools[0], h.HandleInspectTranscript)
	s.AddTool(tools[1], h.HandleDubTranscript)
	s.AddTool(tools[2], h.HandleReadManifest)
}

// Start serves MCP over streamable HTTP when a port is configured and over
// stdio otherwise. It blocks until the transport stops.
func (s *Server) Start() error {
	if s.cfg.Port == 0 {
		s.log.Info("Starting MCP server", "transport", "stdio")
		return server.ServeStdio(s.mcp)
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info("Starting MCP server", "transport", "http", "addr", addr)
	httpServer := server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
	)
	return httpServer.Start(addr)
}

type secretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// loadSecret fetches a string secret. Callers skip it when the value is
// already set in the environment.
func loadSecret(ctx context.Context, client secretGetter, secretID string) (string, error) {
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", secretID, err)
	}
	if result.SecretString == nil || *result.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *result.SecretString, nil
}
