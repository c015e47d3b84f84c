// Command kaix is the composition root: it loads configuration, builds the
// provider/sandbox/executor/engine stack, optionally starts the global
// context collaborator and the HTTP status surface, and drives either a
// one-shot request or an interactive REPL.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/kaix-agent/kaix-core/internal/audit"
	"github.com/kaix-agent/kaix-core/internal/engine"
	"github.com/kaix-agent/kaix-core/internal/globalcontext"
	"github.com/kaix-agent/kaix-core/internal/planctx"
	"github.com/kaix-agent/kaix-core/internal/provider"
	"github.com/kaix-agent/kaix-core/internal/queue"
	"github.com/kaix-agent/kaix-core/internal/sandbox"
	"github.com/kaix-agent/kaix-core/internal/statusapi"
	"github.com/kaix-agent/kaix-core/internal/toolexec"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	bindDefaults(v)

	cmd := &cobra.Command{
		Use:   "kaix [prompt]",
		Short: "Autonomous task execution engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v, cmd); err != nil {
				return err
			}
			return run(v, strings.Join(args, " "))
		},
	}

	flags := cmd.Flags()
	flags.Int("max-concurrent-tasks", 0, "override max_concurrent_tasks (0 = use config/default)")
	flags.Int("default-timeout-seconds", 0, "override default_timeout_seconds (0 = use config/default)")
	flags.Bool("auto-retry", false, "override auto_retry")
	flags.Int("max-retries", 0, "override max_retries (0 = use config/default)")
	flags.Bool("pause-on-error", false, "override pause_on_error")
	flags.String("provider", "", "provider backend: openrouter or gemini (default: openrouter)")
	flags.String("model", "", "model identifier passed to the provider")
	flags.String("listen", "", "address for the optional HTTP status surface, e.g. 127.0.0.1:8787 (empty disables it)")
	flags.String("dir", ".", "sandboxed working directory")

	_ = v.BindPFlag("max_concurrent_tasks", flags.Lookup("max-concurrent-tasks"))
	_ = v.BindPFlag("default_timeout_seconds", flags.Lookup("default-timeout-seconds"))
	_ = v.BindPFlag("auto_retry", flags.Lookup("auto-retry"))
	_ = v.BindPFlag("max_retries", flags.Lookup("max-retries"))
	_ = v.BindPFlag("pause_on_error", flags.Lookup("pause-on-error"))
	_ = v.BindPFlag("provider", flags.Lookup("provider"))
	_ = v.BindPFlag("model", flags.Lookup("model"))
	_ = v.BindPFlag("listen", flags.Lookup("listen"))
	_ = v.BindPFlag("dir", flags.Lookup("dir"))

	return cmd
}

// bindDefaults installs the built-in defaults named in §6.4 as viper's
// lowest config layer.
func bindDefaults(v *viper.Viper) {
	d := engine.DefaultConfig()
	v.SetDefault("max_concurrent_tasks", d.MaxConcurrentTasks)
	v.SetDefault("default_timeout_seconds", d.DefaultTimeoutSeconds)
	v.SetDefault("auto_retry", d.AutoRetry)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("pause_on_error", d.PauseOnError)
	v.SetDefault("provider", "openrouter")
	v.SetDefault("dir", ".")
}

// loadConfig layers an optional kaix.yaml/kaix.json in the working
// directory, then KAIX_-prefixed environment variables, over the defaults
// (§6.4.1). CLI flags are already bound and take precedence automatically.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetConfigName("kaix")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading kaix config file: %w", err)
		}
	}
	v.SetEnvPrefix("KAIX")
	v.AutomaticEnv()
	return nil
}

// run builds the full stack and drives either a one-shot prompt or an
// interactive REPL over stdin.
func run(v *viper.Viper, oneShot string) error {
	// .env carries provider secrets deliberately kept out of viper's
	// file-based layers (§6.4.1), same split the teacher used.
	_ = godotenv.Load(".env")

	log := newLogger()

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "kaix")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	workDir := v.GetString("dir")
	sb, err := sandbox.New(workDir)
	if err != nil {
		return fmt.Errorf("build sandbox: %w", err)
	}

	cfg := engine.Config{
		MaxConcurrentTasks:    v.GetInt("max_concurrent_tasks"),
		DefaultTimeoutSeconds: v.GetInt("default_timeout_seconds"),
		AutoRetry:             v.GetBool("auto_retry"),
		MaxRetries:            v.GetInt("max_retries"),
		PauseOnError:          v.GetBool("pause_on_error"),
	}

	p, err := buildProvider(v, cfg, log)
	if err != nil {
		return err
	}

	auditLog := audit.New(nil)
	executor := toolexec.New(sb, auditLog, p)

	store, err := planctx.OpenPersistentStore(filepath.Join(cacheDir, "plans.leveldb"), log)
	if err != nil {
		log.Warn("persistent plan store unavailable, continuing without it", "error", err)
		store = nil
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if store != nil {
		go store.Run(rootCtx)
	}

	gctx, err := globalcontext.New(sb.WorkDir(), nil, log)
	if err != nil {
		log.Warn("global context collaborator unavailable, continuing without it", "error", err)
		gctx = nil
	}
	if gctx != nil {
		gctx.Start(rootCtx)
		defer gctx.Stop()
	}

	opts := engine.Options{Model: v.GetString("model"), Log: log}
	if gctx != nil {
		opts.Global = gctx
	}
	eng := engine.New(cfg, p, executor, opts)
	eng.Start(rootCtx)
	defer eng.Stop()

	if addr := v.GetString("listen"); addr != "" {
		apiCfg := statusapi.DefaultConfig()
		apiCfg.Addr = addr
		api := statusapi.New(apiCfg, eng, log)
		api.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = api.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if oneShot != "" {
		return runOneShot(rootCtx, eng, oneShot)
	}
	return runREPL(rootCtx, eng)
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("KAIX_LOG_FORMAT") == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildProvider selects and constructs the provider backend named by
// config, each wrapped in the shared retry policy (§4.2) sized by the
// engine's configured max_retries (testable property 9: a provider call
// fails at most max_retries+1 times).
func buildProvider(v *viper.Viper, cfg engine.Config, log *slog.Logger) (provider.Interface, error) {
	policy := provider.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxRetries + 1
	limiter := rate.NewLimiter(rate.Limit(10), 10)

	switch strings.ToLower(v.GetString("provider")) {
	case "gemini":
		return provider.NewWithPolicy(provider.NewGeminiFromEnv("GEMINI", log), policy, limiter), nil
	case "openrouter", "":
		return provider.NewWithPolicy(provider.NewOpenRouterFromEnv("OPENROUTER", log), policy, limiter), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want openrouter or gemini)", v.GetString("provider"))
	}
}

func runOneShot(ctx context.Context, eng *engine.Engine, prompt string) error {
	events := eng.Events()
	eng.Submit(queue.UserPrompt{Content: prompt, Priority: queue.PromptNormal})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-events:
			printEvent(evt)
			if evt.Kind == engine.EventPlanCompleted {
				return nil
			}
		}
	}
}

func runREPL(ctx context.Context, eng *engine.Engine) error {
	events := eng.Events()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				printEvent(evt)
			}
		}
	}()

	fmt.Println("kaix interactive mode. Type a request and press enter; Ctrl+D to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		eng.Submit(queue.UserPrompt{Content: line, Priority: queue.PromptNormal})

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func printEvent(evt engine.Event) {
	switch evt.Kind {
	case engine.EventTaskStarted:
		fmt.Printf("  -> %s: %s\n", evt.TaskID, evt.Description)
	case engine.EventTaskCompleted:
		status := "ok"
		if !evt.Success {
			status = "failed"
		}
		fmt.Printf("  <- %s: %s (%dms)\n", evt.TaskID, status, evt.ExecutionTimeMs)
	case engine.EventPlanStarted:
		fmt.Printf("plan %s: %s\n", evt.PlanID, evt.Description)
	case engine.EventPlanCompleted:
		fmt.Printf("plan %s complete: success=%v tasks=%d\n", evt.PlanID, evt.Success, evt.TotalTasks)
	}
}
