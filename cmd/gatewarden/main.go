package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/adapter"
	"github.com/gatewarden/gatewarden/internal/api"
	"github.com/gatewarden/gatewarden/internal/archive"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/evolution"
	"github.com/gatewarden/gatewarden/internal/gate"
	"github.com/gatewarden/gatewarden/internal/ledger"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/proxy"
	"github.com/gatewarden/gatewarden/internal/session"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewarden",
		Short: "Governance gateway between coding agents and their tools",
		Long:  "Gatewarden — every tool call governed, every outcome evidenced.\nA policy gateway that evaluates agent tool invocations against a YAML policy\nand records each one in a hash-chained evidence ledger.",
	}

	// ─── validate ───
	validateCmd := &cobra.Command{
		Use:   "validate <policy-file>",
		Short: "Validate a policy file, printing one line per problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args[0])
		},
	}

	// ─── serve ───
	var (
		configFile string
		host       string
		port       int
		ledgerDir  string
		policyFile string
		authToken  string
		devMode    bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST facade and websocket event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, host, port, ledgerDir, policyFile, authToken, devMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: gatewarden.yaml)")
	serveCmd.Flags().StringVar(&host, "host", "", "Override listen host")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override listen port (default: 7667)")
	serveCmd.Flags().StringVar(&ledgerDir, "ledger-dir", "", "Override ledger directory")
	serveCmd.Flags().StringVar(&policyFile, "policy", "", "Default policy for sessions created without one")
	serveCmd.Flags().StringVar(&authToken, "auth-token", "", "Require this bearer token on API requests")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── proxy ───
	var (
		proxyPolicy string
		proxyDir    string
		proxyLedger string
		proxyEvolve bool
	)
	proxyCmd := &cobra.Command{
		Use:   "proxy [config-file]",
		Short: "Run the governed MCP proxy on stdio",
		Long:  "Multiplexes the MCP backends of a config file behind one governed endpoint.\nWith --policy and no config file, the built-in tool adapters are the only backend.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := ""
			if len(args) == 1 {
				cfgPath = args[0]
			}
			return runProxy(cfgPath, proxyPolicy, proxyDir, proxyLedger, proxyEvolve)
		},
	}
	proxyCmd.Flags().StringVar(&proxyPolicy, "policy", "", "Policy file (when no config file is given)")
	proxyCmd.Flags().StringVar(&proxyDir, "dir", "", "Working directory for the built-in tool adapters")
	proxyCmd.Flags().StringVar(&proxyLedger, "ledger-dir", "", "Override ledger directory")
	proxyCmd.Flags().BoolVar(&proxyEvolve, "evolve", false, "Offer policy changes for denied calls via the approval tool")

	// ─── exec ───
	var (
		execLedger string
		execEvolve bool
	)
	execCmd := &cobra.Command{
		Use:   "exec <policy-file> -- <command> [args...]",
		Short: "Run one command under a policy and record the evidence",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() == 0 {
				return fmt.Errorf("usage: gatewarden exec <policy-file> -- <command> [args...]")
			}
			code, err := runExec(args[0], args[1:], execLedger, execEvolve)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	execCmd.Flags().StringVar(&execLedger, "ledger-dir", "./ledger", "Ledger directory")
	execCmd.Flags().BoolVar(&execEvolve, "evolve", false, "On denial, offer the policy change at the terminal")

	// ─── report ───
	reportCmd := &cobra.Command{
		Use:   "report <ledger-file>",
		Short: "Verify a ledger's hash chain and summarise the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(args[0])
		},
	}

	// ─── init ───
	var initConfig bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Generate a starter policy (default: policy.yaml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "policy.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return runInit(path, initConfig)
		},
	}
	initCmd.Flags().BoolVar(&initConfig, "config", false, "Also generate gatewarden.yaml")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Gatewarden %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(validateCmd, serveCmd, proxyCmd, execCmd, reportCmd, initCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Validate ───

func runValidate(path string) error {
	p, err := policy.Load(path)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			for _, issue := range verr.Issues {
				fmt.Printf("✗ %s: %s\n", issue.Path, issue.Message)
			}
			return fmt.Errorf("policy %s failed validation", filepath.Base(path))
		}
		return fmt.Errorf("failed to load policy: %w", err)
	}

	fmt.Printf("✓ Policy valid: %s\n", p.Name)
	fmt.Printf("  Capabilities: %d\n", len(p.Capabilities))
	fmt.Printf("  Gates:        %d\n", len(p.Gates))
	fmt.Printf("  Forbidden:    %d\n", len(p.Forbidden))
	return nil
}

// ─── Serve ───

func runServe(configFile, host string, port int, ledgerDir, policyFile, authToken string, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()

	if host != "" {
		cfg.Server.Host = host
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if ledgerDir != "" {
		cfg.Ledger.Dir = ledgerDir
	}
	if policyFile != "" {
		cfg.Policy.Path = policyFile
	}
	if authToken != "" {
		cfg.Server.AuthToken = authToken
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := newLogger(cfg.Server.LogLevel)

	evaluator, err := policy.NewEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}

	gates := buildGates(cfg, logger)
	sessions := session.NewManager(evaluator, gates, cfg.Ledger.Dir, logger)

	var store *archive.Store
	if cfg.Archive.Path != "" {
		store, err = archive.Open(cfg.Archive.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = store.Close() }()
		sessions.SetTerminateHook(store.Hook())
	}

	var policies *policy.Loader
	if cfg.Policy.Path != "" {
		policies = policy.NewLoader(cfg.Policy.Path, logger)
		if _, err := policies.Load(); err != nil {
			return fmt.Errorf("failed to load default policy: %w", err)
		}
		if cfg.Policy.Watch {
			if err := policies.Watch(func(p *policy.Policy) {
				logger.Info("default policy reloaded", "name", p.Name)
			}); err != nil {
				logger.Warn("failed to watch policy for hot-reload", "error", err)
			} else {
				defer policies.StopWatch()
			}
		}
	}

	registry := adapter.Default(evaluator, logger)

	srv := api.NewServer(sessions, api.Options{
		Policies:  policies,
		Archive:   store,
		Registry:  registry,
		AuthToken: cfg.Server.AuthToken,
		CORS:      cfg.Server.CORS,
	}, logger)
	sessions.SetEventHook(srv.EventHook())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║           Gatewarden v" + version + "                ║")
	fmt.Println("  ║   Governed tool calls, evidenced runs     ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:      http://%s\n", addr)
	fmt.Printf("  → Events:   ws://%s/ws/events\n", addr)
	fmt.Printf("  → Ledgers:  %s\n", cfg.Ledger.Dir)
	if store != nil {
		fmt.Printf("  → Archive:  %s\n", cfg.Archive.Path)
	}
	if policies != nil {
		fmt.Printf("  → Policy:   %s (%s)\n", cfg.Policy.Path, policies.Get().Name)
	}
	if cfg.Server.AuthToken != "" {
		fmt.Println("  → Auth:     bearer token required")
	}
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		sessions.TerminateAll("server shutdown")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// buildGates wires the configured decision handlers into a gate manager. The
// risk handler joins the human mode: it approves what falls under the
// threshold and leaves the rest pending for the API.
func buildGates(cfg *config.Config, logger *slog.Logger) *gate.Manager {
	gates := gate.NewManager(logger)
	if cfg.Gates.Webhook.URL != "" {
		gates.RegisterHandler(policy.ApprovalWebhook,
			gate.NewWebhookHandler(cfg.Gates.Webhook.URL, cfg.Gates.Webhook.Secret, cfg.Gates.Webhook.Timeout))
	}
	if cfg.Gates.MaxAutoRisk != "" {
		gates.RegisterHandler(policy.ApprovalHuman, gate.NewRiskThresholdHandler(cfg.Gates.MaxAutoRisk))
	}
	return gates
}

// ─── Proxy ───

func runProxy(configFile, policyFile, workDir, ledgerDir string, evolve bool) error {
	if configFile != "" && policyFile != "" {
		return fmt.Errorf("pass a config file or --policy, not both")
	}

	var cfg *config.Config
	switch {
	case configFile != "":
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if loaded.Policy.Path == "" {
			return fmt.Errorf("config %s has no policy.path; the proxy needs a policy", configFile)
		}
		cfg = loaded
		policyFile = cfg.Policy.Path
	case policyFile != "":
		cfg = config.DefaultConfig()
		cfg.Proxy.LocalTools = true
		cfg.Archive.Path = ""
		cfg.Evolution.Enabled = evolve
	default:
		return fmt.Errorf("pass a config file or --policy <policy-file>")
	}
	if ledgerDir != "" {
		cfg.Ledger.Dir = ledgerDir
	}

	// stdout is the MCP wire; newLogger already keeps slog on stderr.
	logger := newLogger(cfg.Server.LogLevel)

	p, err := policy.Load(policyFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	// Pin paths before any working-directory change so the evidence lands
	// relative to the invocation directory, not the adapter workspace.
	ledgerAbs, err := filepath.Abs(cfg.Ledger.Dir)
	if err != nil {
		return fmt.Errorf("failed to resolve ledger dir: %w", err)
	}
	evoPath := cfg.Evolution.PolicyPath
	if evoPath == "" {
		evoPath = policyFile
	}
	if evoPath, err = filepath.Abs(evoPath); err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if workDir != "" {
		if err := os.Chdir(workDir); err != nil {
			return fmt.Errorf("failed to enter work dir: %w", err)
		}
	}

	evaluator, err := policy.NewEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}
	gates := buildGates(cfg, logger)
	sessions := session.NewManager(evaluator, gates, ledgerAbs, logger)

	if cfg.Archive.Path != "" {
		store, err := archive.Open(cfg.Archive.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = store.Close() }()
		sessions.SetTerminateHook(store.Hook())
	}

	var engine *evolution.Engine
	if cfg.Evolution.Enabled || evolve {
		engine = evolution.NewEngine(sessions, evolution.Options{
			PolicyPath:    evoPath,
			PromptTimeout: cfg.Evolution.PromptTimeout,
		}, logger)
	}

	backends := make([]proxy.Backend, 0, len(cfg.Proxy.Backends)+1)
	for _, b := range cfg.Proxy.Backends {
		switch b.Transport {
		case "stdio":
			backends = append(backends, proxy.NewStdioBackend(b.Name, b.Command, b.Args, b.EnvList(), logger))
		case "http":
			backends = append(backends, proxy.NewHTTPBackend(b.Name, b.Endpoint, logger))
		}
	}
	if cfg.Proxy.LocalTools {
		backends = append(backends, proxy.NewLocalBackend(adapter.Default(evaluator, logger), logger))
	}
	if len(backends) == 0 {
		return fmt.Errorf("no backends configured; add proxy.backends or set proxy.local_tools")
	}

	srv := proxy.NewServer(sessions, proxy.Options{
		Policy:   p,
		Backends: backends,
		Engine:   engine,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info("MCP proxy starting", "policy", p.Name, "backends", len(backends))
	return srv.Run(ctx, os.Stdin, os.Stdout)
}

// ─── Exec ───

func runExec(policyFile string, argv []string, ledgerDir string, evolve bool) (int, error) {
	p, err := policy.Load(policyFile)
	if err != nil {
		return 0, fmt.Errorf("failed to load policy: %w", err)
	}

	// Keep slog quiet; the governed command's output is the point here.
	logger := newLogger("warn")

	evaluator, err := policy.NewEvaluator(logger)
	if err != nil {
		return 0, fmt.Errorf("failed to create evaluator: %w", err)
	}

	gates := gate.NewManager(logger)
	gates.RegisterHandler(policy.ApprovalHuman, terminalGate{})

	sessions := session.NewManager(evaluator, gates, ledgerDir, logger)

	if evolve {
		engine := evolution.NewEngine(sessions, evolution.Options{
			PolicyPath: policyFile,
			Prompt:     terminalPrompt,
		}, logger)
		sessions.SetDenialHook(engine.OnDenial)
	}

	sess, err := sessions.Create(p, map[string]string{"source": "exec"})
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}

	input := map[string]any{"command": strings.Join(argv, " ")}
	resp, err := sessions.Evaluate(context.Background(), sess.ID, policy.ActionRequest{
		Tool:  "command:run",
		Input: input,
	})
	if err != nil {
		return 0, err
	}

	switch resp.Decision {
	case policy.VerdictAllow:
	case policy.VerdictDeny:
		fmt.Fprintf(os.Stderr, "✗ Denied by policy %q:\n", p.Name)
		for _, r := range resp.Reasons {
			fmt.Fprintf(os.Stderr, "  • %s\n", r)
		}
		_, _ = sessions.Terminate(sess.ID, "command denied")
		return 1, nil
	case policy.VerdictGate:
		fmt.Fprintln(os.Stderr, "✗ Approval not granted; aborting")
		_, _ = sessions.Terminate(sess.ID, "gate unresolved")
		return 1, nil
	}

	registry := adapter.Default(evaluator, logger)
	runner, ok := registry.Get("command:run")
	if !ok {
		return 0, fmt.Errorf("command:run adapter not registered")
	}

	ec := &adapter.ExecContext{SessionID: sess.ID, ActionID: resp.ActionID, Budget: resp.Budget}
	result := runner.Execute(context.Background(), input, ec)

	if err := sessions.RecordResult(sess.ID, resp.ActionID, result); err != nil {
		logger.Error("failed to record result", "error", err)
	}

	// Mirror the captured output so exec behaves like the command it ran.
	exit := 0
	if out, ok := result.Output.(map[string]any); ok {
		if s, ok := out["stdout"].(string); ok && s != "" {
			fmt.Fprint(os.Stdout, s)
		}
		if s, ok := out["stderr"].(string); ok && s != "" {
			fmt.Fprint(os.Stderr, s)
		}
		// Negative means the command never ran to completion (timeout,
		// spawn failure); fall through to the error branch.
		if code, ok := out["exit_code"].(int); ok && code >= 0 {
			exit = code
		}
	}
	if !result.Success && exit == 0 {
		fmt.Fprintf(os.Stderr, "✗ %s\n", result.Error)
		exit = 1
	}

	if _, err := sessions.Terminate(sess.ID, "exec finished"); err != nil {
		logger.Error("failed to terminate session", "error", err)
	}
	return exit, nil
}

// terminalGate decides human gates by asking on the controlling terminal.
type terminalGate struct{}

func (terminalGate) Name() string { return "terminal" }

func (terminalGate) Decide(_ context.Context, req *gate.Request) (*gate.Response, error) {
	fmt.Fprintf(os.Stderr, "\n⚠ Approval required: %s (risk %s)\n", req.Tool, req.RiskLevel)
	for _, r := range req.Reasons {
		fmt.Fprintf(os.Stderr, "  • %s\n", r)
	}
	fmt.Fprint(os.Stderr, "  Approve? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		// No terminal answer; leave the gate pending.
		return nil, nil
	}
	approved := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
	reason := "approved at terminal"
	if !approved {
		reason = "rejected at terminal"
	}
	return &gate.Response{
		Approved:    approved,
		RespondedBy: "terminal",
		Reason:      reason,
		ResolvedAt:  time.Now().UTC(),
	}, nil
}

// terminalPrompt is the out-of-band evolution surface: a denial with a
// suggestion becomes a terminal question. The engine cancels ctx when the
// prompt timeout elapses.
func terminalPrompt(ctx context.Context, p *evolution.Prompt) (evolution.Decision, error) {
	fmt.Fprintf(os.Stderr, "\n✗ Denied: %s\n", p.Action.Tool)
	for _, r := range p.Reasons {
		fmt.Fprintf(os.Stderr, "  • %s\n", r)
	}
	fmt.Fprintf(os.Stderr, "  Suggestion: %s\n", p.Suggestion.Description())
	fmt.Fprint(os.Stderr, "  [a]dd to policy / allow [o]nce / [d]eny? ")

	answers := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return
		}
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n  (timed out; keeping the denial)")
		return evolution.DecisionDeny, nil
	case a := <-answers:
		switch a {
		case "a", "add":
			return evolution.DecisionAddToPolicy, nil
		case "o", "once", "allow":
			return evolution.DecisionAllowOnce, nil
		}
		return evolution.DecisionDeny, nil
	}
}

// ─── Report ───

func runReport(path string) error {
	result := ledger.VerifyIntegrity(path)
	if result.Valid {
		fmt.Printf("✓ Hash chain intact (%d entries)\n", result.Entries)
	} else if result.Error != "" {
		fmt.Printf("✗ Hash chain broken at entry %d: %s\n", result.BrokenAt, result.Error)
	} else {
		fmt.Printf("✗ Hash chain broken at entry %d\n", result.BrokenAt)
	}

	summary, err := ledger.Summarize(path)
	if err != nil {
		return fmt.Errorf("failed to summarise ledger: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Session:   %s\n", summary.SessionID)
	if summary.FirstTS != "" {
		fmt.Printf("  Window:    %s → %s\n", summary.FirstTS, summary.LastTS)
	}
	a := summary.Actions
	fmt.Printf("  Actions:   %d evaluated / %d allowed / %d denied / %d gated\n",
		a.Evaluated, a.Allowed, a.Denied, a.Gated)
	fmt.Printf("  Results:   %d recorded, %d failures, %d rollbacks\n",
		a.Results, a.Failures, a.Rollbacks)
	if len(summary.Tools) > 0 {
		tools := make([]string, 0, len(summary.Tools))
		for t := range summary.Tools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		fmt.Println("  Tools:")
		for _, t := range tools {
			fmt.Printf("    %-20s %d\n", t, summary.Tools[t])
		}
	}
	if summary.Terminated {
		fmt.Printf("  Terminated: %s\n", summary.TerminationReason)
	}

	if !result.Valid {
		return fmt.Errorf("ledger integrity check failed")
	}
	return nil
}

// ─── Init ───

const starterPolicy = `# gatewarden starter policy
version: "1"
name: starter
description: Read-mostly starter; writes stay under workspace/, deletions are gated.

capabilities:
  - tool: file:read
  - tool: file:write
    scope:
      paths: ["workspace/**"]
  - tool: file:delete
    scope:
      paths: ["workspace/**"]
  - tool: command:run
    scope:
      binaries: [ls, cat, go, git]
  - tool: git:diff

limits:
  max_files_changed: 20
  max_cost_usd: 5.0

gates:
  - action: "file:delete"
    approval: human
    risk_level: high

forbidden:
  - pattern: "**/.env"
    reason: Secrets stay out of agent reach.
  - pattern: "**/*.pem"
    reason: Private keys stay out of agent reach.

session:
  max_denials: 10
`

func runInit(path string, withConfig bool) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", path)
	} else {
		if err := os.WriteFile(path, []byte(starterPolicy), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if _, err := policy.Load(path); err != nil {
			return fmt.Errorf("starter policy failed validation: %w", err)
		}
		fmt.Printf("  ✓ Generated %s\n", path)
	}

	if withConfig {
		configPath := "gatewarden.yaml"
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		} else {
			if err := config.GenerateDefault(configPath); err != nil {
				return err
			}
			fmt.Printf("  ✓ Generated %s\n", configPath)
		}
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Printf("    gatewarden validate %s              # Check the policy\n", path)
	fmt.Printf("    gatewarden serve --policy %s        # Start the REST facade\n", path)
	fmt.Printf("    gatewarden exec %s -- ls            # Run one governed command\n", path)
	return nil
}

// ─── Helpers ───

// findConfigFile checks the default config locations.
func findConfigFile() string {
	candidates := []string{
		"gatewarden.yaml",
		"gatewarden.yml",
		filepath.Join(os.Getenv("HOME"), ".gatewarden", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// newLogger builds the process logger. Logs go to stderr so the proxy's
// stdout stays a clean MCP wire.
func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
