// Command rlm is the CLI entry point for the Recursive Language Model
// system: it loads configuration, wires an LLM backend per configured depth,
// and drives either a single completion or an interactive multi-turn
// session, mirroring cmd/agentd/main.go's startup order (.env, then logger,
// then config, then OTel — non-fatal on OTel failure).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"rlm/internal/config"
	"rlm/internal/llmclient"
	"rlm/internal/observability"
	"rlm/internal/repl"
	"rlm/internal/repl/inproc"
	"rlm/internal/repl/sandbox"
	"rlm/internal/rlm"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}
	observability.InitLogger("rlm.log", "info")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(context.Background(), cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	var (
		prompt  = flag.String("prompt", "", "run a single completion against this prompt and exit")
		chat    = flag.Bool("chat", false, "run an interactive multi-turn session over stdin/stdout")
		session = flag.Bool("persistent", false, "reuse one Environment across --chat turns instead of spawning a fresh one per turn")
	)
	flag.Parse()

	httpClient := observability.NewHTTPClient(nil)

	backends, err := buildBackends(context.Background(), cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build LLM backends")
	}

	newController := func() *rlm.Controller {
		return rlm.New(rlm.Options{
			Backend:            backends[0],
			OtherBackends:      backends[1:],
			EnvironmentFactory: environmentFactory(cfg),
			RecursiveMaxDepth:  cfg.RLM.RecursiveMaxDepth,
			MaxIterations:      cfg.RLM.MaxIterations,
			RootTimeout:        cfg.RLM.RootTimeout,
			MinTimeout:         cfg.RLM.MinTimeout,
			TimeStep:           cfg.RLM.TimeStep,
		})
	}

	switch {
	case *chat:
		runChat(newController, *session)
	case *prompt != "":
		runOnce(newController(), *prompt)
	default:
		fmt.Fprintln(os.Stderr, "usage: rlm -prompt \"...\" | rlm -chat [-persistent]")
		os.Exit(2)
	}
}

// buildBackends constructs one llmclient.Client per configured backend,
// ordered root first so index i-1 answers depth i, per spec.md §4.1's
// "depth 0 uses root backend; depth i uses other_backends[i-1]".
func buildBackends(ctx context.Context, cfg *config.Config, httpClient *http.Client) ([]llmclient.Client, error) {
	root, ok := cfg.Backends["root"]
	if !ok {
		return nil, fmt.Errorf("config: no root backend configured")
	}

	order := backendOrder(cfg)

	clients := make([]llmclient.Client, 0, len(order))
	for _, name := range order {
		b := cfg.Backends[name]
		if name == "root" {
			b = root
		}
		key, err := b.APIKey()
		if err != nil {
			return nil, err
		}
		client, err := newClient(ctx, b, key, httpClient)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// backendOrder returns "root" followed by the remaining configured backend
// names in sorted order. cfg.Backends is a map, whose iteration order Go
// randomizes per process; sorting the non-root names makes depth routing
// (other_backends[i] at depth i+1, per spec.md §4.1) identical across
// restarts instead of reshuffling with every run.
func backendOrder(cfg *config.Config) []string {
	others := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		if name != "root" {
			others = append(others, name)
		}
	}
	sort.Strings(others)
	return append([]string{"root"}, others...)
}

func newClient(ctx context.Context, b config.BackendConfig, apiKey string, httpClient *http.Client) (llmclient.Client, error) {
	switch strings.ToLower(b.Provider) {
	case "openai":
		return llmclient.NewOpenAIClient(apiKey, b.BaseURL, b.Model, httpClient), nil
	case "gemini":
		return llmclient.NewGeminiClient(ctx, apiKey, b.BaseURL, b.Model, httpClient)
	case "anthropic", "":
		return llmclient.NewAnthropicClient(apiKey, b.BaseURL, b.Model, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", b.Provider)
	}
}

// environmentFactory builds in-process Environments unless RLM_SANDBOX=1,
// in which case each depth gets its own cmd/rlm-worker subprocess.
func environmentFactory(cfg *config.Config) rlm.EnvironmentFactory {
	if os.Getenv("RLM_SANDBOX") != "1" {
		return func(depth int) repl.Environment { return inproc.New(depth) }
	}
	return func(depth int) repl.Environment {
		return sandbox.New(cfg.Sandbox.WorkerBinary, cfg.Sandbox.BaseDir, depth)
	}
}

func runOnce(ctrl *rlm.Controller, prompt string) {
	comp := ctrl.Complete(context.Background(), prompt, "")
	if comp.Error != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", comp.ErrorText)
		os.Exit(1)
	}
	fmt.Println(comp.Response)
}

func runChat(newController func() *rlm.Controller, persistent bool) {
	sess := rlm.NewSession(newController, persistent)
	defer func() { _ = sess.Close(context.Background()) }()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Print("> ")
			continue
		}
		comp, err := sess.Chat(context.Background(), line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Println(comp.Response)
		}
		fmt.Print("> ")
	}
}
