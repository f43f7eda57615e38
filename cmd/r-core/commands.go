package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/r-core/internal/core/agent"
	"github.com/haasonsaas/r-core/internal/core/audit"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/backend"
	"github.com/haasonsaas/r-core/internal/core/cluster"
	"github.com/haasonsaas/r-core/internal/core/config"
	"github.com/haasonsaas/r-core/internal/core/httpapi"
	"github.com/haasonsaas/r-core/internal/core/models"
	"github.com/haasonsaas/r-core/internal/core/observability"
	"github.com/haasonsaas/r-core/internal/core/permissions"
	"github.com/haasonsaas/r-core/internal/core/ratelimit"
)

// serverFlags carries the serve command's flag values into config.
type serverFlags struct {
	host     string
	port     int
	provider string
	baseURL  string
	model    string
	tier     string
	logDir   string
	verbose  bool
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "127.0.0.1", "bind address")
	cmd.Flags().IntVar(&f.port, "port", 8000, "listen port")
	cmd.Flags().StringVar(&f.provider, "provider", "auto", "llm provider (auto|openai-compat|ollama|mlx|mock)")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "llm server base url")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.tier, "tier", "standard", "default rate-limit tier")
	cmd.Flags().StringVar(&f.logDir, "audit-dir", "", "audit log directory")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "debug logging")
}

func (f *serverFlags) config() (*config.Config, error) {
	cfg := config.Default()
	cfg.API.Host = f.host
	cfg.API.Port = f.port
	cfg.API.SecretKey = os.Getenv("R_CORE_SECRET_KEY")
	cfg.LLM.Provider = f.provider
	cfg.LLM.BaseURL = f.baseURL
	cfg.LLM.Model = f.model
	cfg.RateLimit.Tier = f.tier
	cfg.Audit.LogDir = f.logDir
	if key := os.Getenv("R_CORE_API_KEY"); key != "" {
		cfg.Auth.APIKeys = []config.StaticKeyConfig{{
			Key:      key,
			UserID:   "bootstrap-admin",
			Username: "admin",
			Scopes:   []string{string(permissions.ScopeAdmin)},
		}}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildBackend selects the configured backend, probing in preference
// order when the provider is auto.
func buildBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	switch cfg.LLM.Provider {
	case "mock":
		return backend.NewMockBackend(), nil
	case "openai-compat":
		url := cfg.LLM.BaseURL
		if url == "" {
			url = "http://localhost:1234/v1"
		}
		return backend.NewOpenAICompatBackend(url, "", cfg.LLM.Model), nil
	case "ollama":
		url := cfg.LLM.BaseURL
		if url == "" {
			url = "http://localhost:11434"
		}
		return backend.NewOllamaBackend(url, cfg.LLM.Model), nil
	case "mlx":
		return backend.NewMLXBackend(nil), nil
	default:
		var mlx *backend.MLXBackend
		if backend.IsAppleSilicon() {
			mlx = backend.NewMLXBackend(nil)
		}
		ollama := backend.NewOllamaBackend("http://localhost:11434", cfg.LLM.Model)
		compat := backend.NewOpenAICompatBackend("http://localhost:1234/v1", "", cfg.LLM.Model)
		return backend.AutoDetect(ctx, nil, backend.Candidates(mlx, ollama, compat))
	}
}

// envProbe supplies the hardware facts capability detection needs,
// reading operator overrides from the environment where the Go runtime
// has no portable source.
type envProbe struct{}

func (envProbe) ChipName() string { return os.Getenv("R_CORE_CHIP_NAME") }

func (envProbe) TotalMemoryGB() float64 {
	if raw := os.Getenv("R_CORE_MEMORY_GB"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return 16
}

func (envProbe) CPUCores() int { return runtime.NumCPU() }

func (envProbe) MLXAvailable() bool { return os.Getenv("R_CORE_MLX") == "1" }

func newServeCommand() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			logger := newLogger(flags.verbose)
			for _, warning := range cfg.Warnings() {
				logger.Warn(warning)
			}

			shutdownTracing := observability.SetupTracing()
			defer func() { _ = shutdownTracing(context.Background()) }()

			promReg := prometheus.NewRegistry()
			metrics := observability.NewMetrics(promReg)

			auditLog, err := audit.NewLogger(audit.Config{
				LogDir:    cfg.Audit.LogDir,
				MaxFileMB: cfg.Audit.MaxFileMB,
				Backups:   cfg.Audit.Backups,
				Metrics:   metrics,
			})
			if err != nil {
				return err
			}
			defer auditLog.Close()

			var jwtSvc *auth.JWTService
			if cfg.API.SecretKey != "" {
				jwtSvc = auth.NewJWTService(cfg.API.SecretKey)
			} else {
				jwtSvc, err = auth.NewJWTServiceWithGeneratedSecret()
				if err != nil {
					return err
				}
				logger.Warn("no api.secret_key configured; tokens will not survive restart")
			}

			store := auth.NewStore()
			store.SeedStaticAPIKeys(staticKeys(cfg))

			be, err := buildBackend(cmd.Context(), cfg)
			if err != nil {
				logger.Warn("no llm backend available; chat endpoints will report unavailable", "error", err)
			}

			caps := cluster.DetectLocal(envProbe{})
			clu := cluster.NewCluster(cfg.Cluster.NodeName, cfg.API.Host, cfg.Cluster.Port, caps, logger, metrics)
			coord := cluster.NewCoordinator(clu, newLocalEngine(be), nil, logger)

			srv := httpapi.NewServer(httpapi.Options{
				Config:       cfg,
				Logger:       logger,
				Auth:         auth.NewService(store, jwtSvc, logger),
				Limiter:      ratelimit.NewLimiter(ratelimit.Tier(cfg.RateLimit.Tier)),
				Audit:        auditLog,
				Registry:     agent.NewRegistry(),
				Backend:      be,
				Coordinator:  coord,
				PromRegistry: promReg,
				Metrics:      metrics,
			})
			httpapi.Version = version
			return srv.ListenAndServe(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func staticKeys(cfg *config.Config) []auth.StaticAPIKeyConfig {
	out := make([]auth.StaticAPIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		scopes := make([]permissions.Scope, 0, len(k.Scopes))
		for _, s := range k.Scopes {
			scopes = append(scopes, permissions.Scope(s))
		}
		out = append(out, auth.StaticAPIKeyConfig{
			Key:      k.Key,
			UserID:   k.UserID,
			Username: k.Username,
			Scopes:   scopes,
		})
	}
	return out
}

func newChatCommand() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message through the agent loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			be, err := buildBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			port := backend.NewPort(be)
			ag := agent.New(port, agent.NewRegistry(), nil, agent.DefaultConfig(), "cli", newLogger(flags.verbose))
			reply := ag.Run(cmd.Context(), models.ToolContext{}, strings.Join(args, " "))
			fmt.Println(reply)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSkillsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List known skill risk levels and rate-limit tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(map[string]any{
				"skill_risk_levels": permissions.SkillRiskLevels,
				"rate_limit_tiers":  ratelimit.Tiers,
			})
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newCallCommand() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <skill> <tool>",
		Short: "Invoke a registered tool directly, bypassing the model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &parsed); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			// Skills register out-of-process builds; the stock binary
			// carries none, so direct dispatch reports what is loaded.
			reg := agent.NewRegistry()
			ag := agent.New(backend.NewPort(backend.NewMockBackend()), reg, nil, agent.DefaultConfig(), "cli", nil)
			result, err := ag.RunSkillDirectly(models.ToolContext{}, args[1], parsed)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	return cmd
}

// newLocalEngine adapts the chat backend into the coordinator's local
// engine: generation rides the same runtime that serves chat. A nil
// backend yields an engine that reports nothing loaded.
func newLocalEngine(be backend.Backend) cluster.LocalEngine {
	return &backendEngine{backend: be}
}

type backendEngine struct {
	backend backend.Backend
	model   string
}

func (e *backendEngine) Load(ctx context.Context, model string, _ cluster.Quantization, _ []int) error {
	if e.backend == nil {
		return fmt.Errorf("no local backend available")
	}
	e.model = model
	return nil
}

func (e *backendEngine) Unload()        { e.model = "" }
func (e *backendEngine) IsLoaded() bool { return e.model != "" }

func (e *backendEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature, _ float64) (string, int, error) {
	history := []models.Message{{Role: models.RoleUser, Content: prompt}}
	reply, err := e.backend.Chat(ctx, history, nil, backend.ChatOptions{Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		return "", 0, err
	}
	return reply.Content, len(strings.Fields(reply.Content)), nil
}

func (e *backendEngine) GenerateStream(ctx context.Context, prompt string, maxTokens int, temperature, _ float64) (<-chan string, error) {
	history := []models.Message{{Role: models.RoleUser, Content: prompt}}
	return e.backend.ChatStream(ctx, history, nil, backend.ChatOptions{Temperature: temperature, MaxTokens: maxTokens})
}
