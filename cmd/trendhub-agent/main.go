// ABOUTME: Entry point for the trendhub desktop agent
// ABOUTME: Registers with the gateway and polls for social media tasks

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/trendhub/trendhub/internal/agentd"
	"github.com/trendhub/trendhub/internal/task"
	"github.com/trendhub/trendhub/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │         trendhub agent           │
    │                                  │
    ╰──────────────────────────────────╯
`

// getConfigPath returns the path to the agent config file.
// Priority: TRENDHUB_AGENT_CONFIG env var > XDG_CONFIG_HOME/trendhub/agent.toml > ~/.config/trendhub/agent.toml
func getConfigPath() string {
	if envPath := os.Getenv("TRENDHUB_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "trendhub", "agent.toml")
}

// getDataPath returns the path to the agent data directory.
// Priority: XDG_DATA_HOME/trendhub > ~/.local/share/trendhub
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "trendhub")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: trendhub-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run                                Register (if needed) and start polling")
		fmt.Println("  init --api-key KEY                 Write the agent config file")
		fmt.Println("  import-session --platform P [-b B] Import a browser login into the vault")
		fmt.Println("  sessions                           List platforms with stored sessions")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runAgent(ctx)
	case "init":
		err = runInit()
	case "import-session":
		err = runImportSession(ctx)
	case "sessions":
		err = runSessions()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	v, err := openVault(cfg, logger)
	if err != nil {
		return err
	}

	platforms, err := v.Platforms()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	capabilities := make([]string, 0, len(platforms))
	for _, p := range platforms {
		capabilities = append(capabilities, string(p))
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  %s\n", strings.Join(capabilities, ", "))
	fmt.Println()

	client := agentd.NewClient(cfg.Gateway.URL, cfg.Gateway.APIKey, 30*time.Second)

	agentID := cfg.Agent.ID
	if agentID == "" {
		name := cfg.Agent.Name
		if name == "" {
			name, _ = os.Hostname()
		}
		agentID, err = client.Register(ctx, name, vault.HardwareID(), version, capabilities)
		if err != nil {
			return fmt.Errorf("registering agent: %w", err)
		}
		logger.Info("agent registered", "agent_id", agentID)
		if err := saveAgentID(configPath, agentID); err != nil {
			logger.Warn("could not persist agent id, will re-register next run", "error", err)
		}
	}

	executor := buildExecutor(cfg)
	poller := agentd.NewPoller(client, executor, v, agentID, capabilities, logger)

	logger.Info("starting agent", "agent_id", agentID, "gateway", cfg.Gateway.URL)
	poller.Run(ctx)
	return nil
}

// buildExecutor picks the executor from config. Every executor is
// bounded to ten minutes of wall clock per task.
func buildExecutor(cfg *Config) agentd.Executor {
	var inner agentd.Executor
	switch cfg.Agent.Executor {
	case "script":
		inner = &agentd.ScriptExecutor{Command: cfg.Agent.Script}
	default:
		inner = agentd.NoopExecutor{}
	}
	return agentd.WithTimeout(inner, 10*time.Minute)
}

// saveAgentID appends the allocated agent id to the config so the next
// run reuses the registration.
func saveAgentID(configPath, agentID string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	if strings.Contains(string(data), "id = ") {
		return nil
	}
	updated := strings.Replace(string(data), "[agent]\n", "[agent]\nid = \""+agentID+"\"\n", 1)
	return os.WriteFile(configPath, []byte(updated), 0600)
}

func openVault(cfg *Config, logger *slog.Logger) (*vault.Vault, error) {
	sessionDir := cfg.Agent.SessionDir
	if sessionDir == "" {
		sessionDir = filepath.Join(getDataPath(), "sessions")
	}
	v, err := vault.New(sessionDir, cfg.Gateway.APIKey, vault.HardwareID(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening session vault: %w", err)
	}
	return v, nil
}

func runInit() error {
	var apiKey, gatewayURL string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--api-key" || arg == "-k":
			if i+1 >= len(args) {
				return fmt.Errorf("--api-key requires a value")
			}
			apiKey = args[i+1]
			i++
		case strings.HasPrefix(arg, "--api-key="):
			apiKey = strings.TrimPrefix(arg, "--api-key=")
		case arg == "--gateway" || arg == "-g":
			if i+1 >= len(args) {
				return fmt.Errorf("--gateway requires a value")
			}
			gatewayURL = args[i+1]
			i++
		case strings.HasPrefix(arg, "--gateway="):
			gatewayURL = strings.TrimPrefix(arg, "--gateway=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if apiKey == "" {
		return fmt.Errorf("--api-key flag is required")
	}
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	hostname, _ := os.Hostname()
	content := fmt.Sprintf(`# trendhub-agent configuration
# Generated by trendhub-agent init

[gateway]
url = "%s"
api_key = "%s"

[agent]
name = "%s"
executor = "noop"

[logging]
level = "info"
`, gatewayURL, apiKey, hostname)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    trendhub-agent import-session --platform instagram")
	fmt.Println("    trendhub-agent run")
	return nil
}

func runImportSession(ctx context.Context) error {
	var platform, browser string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--platform" || arg == "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--platform requires a value")
			}
			platform = args[i+1]
			i++
		case strings.HasPrefix(arg, "--platform="):
			platform = strings.TrimPrefix(arg, "--platform=")
		case arg == "--browser" || arg == "-b":
			if i+1 >= len(args) {
				return fmt.Errorf("--browser requires a value")
			}
			browser = args[i+1]
			i++
		case strings.HasPrefix(arg, "--browser="):
			browser = strings.TrimPrefix(arg, "--browser=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	p := task.Platform(strings.ToLower(platform))
	if !task.ValidPlatform(p) {
		return fmt.Errorf("--platform must be one of: %s", platformList())
	}

	cfg, err := Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level)
	v, err := openVault(cfg, logger)
	if err != nil {
		return err
	}

	n, err := v.ImportBrowser(ctx, p, browser)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Imported %d cookies for %s\n", n, p)
	return nil
}

func runSessions() error {
	cfg, err := Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger("error")
	v, err := openVault(cfg, logger)
	if err != nil {
		return err
	}

	platforms, err := v.Platforms()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(platforms) == 0 {
		fmt.Println("No sessions stored. Run: trendhub-agent import-session --platform <name>")
		return nil
	}
	for _, p := range platforms {
		fmt.Println(p)
	}
	return nil
}

func platformList() string {
	names := make([]string, 0, len(task.Platforms))
	for _, p := range task.Platforms {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
