package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/progress"
	"github.com/rahul/stepwise/internal/tools"
	"github.com/rahul/stepwise/internal/window"
	"github.com/rahul/stepwise/pkg/config"
)

// localLLMKey is sent to local OpenAI-compatible servers that ignore keys.
const localLLMKey = "local"

// app holds the collaborators shared by every command.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	tools   *tools.Registry
	policy  governance.PolicyEngine
	prompts *agent.PromptManager

	// newModel builds the planning and execution model. Tests replace it.
	newModel func(config.ProviderConfig) (llm.Completer, error)

	closers []func()
}

func newApp(cfg *config.Config, logger *observability.Logger) (*app, error) {
	policy, err := governance.NewPolicyEngine(cfg.Governance.DenyTools, cfg.Governance.DenyArguments)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		policy:   policy,
		prompts:  agent.NewPromptManager(cfg.Agent.PromptsDir),
		newModel: completerFor,
	}
	a.tools = a.buildTools()
	return a, nil
}

func (a *app) buildTools() *tools.Registry {
	cfg := a.cfg
	registry := tools.NewRegistry(
		tools.NewTimeTool(),
		tools.NewListFilesTool(cfg.App.Workspace),
		tools.NewScraperTool(),
	)

	if cfg.Tools.EnableSearch {
		search, err := tools.NewSearchTool(5)
		if err != nil {
			log.Printf("Warning: Failed to initialize search tool: %v", err)
		} else {
			registry.Register(search)
		}
	}
	if cfg.Tools.EnableBrowser {
		browser := tools.NewBrowserTool(true)
		registry.Register(browser)
		a.closers = append(a.closers, browser.Close)
	}
	if local := cfg.Tools.LocalLLM; local.Model != "" && local.BaseURL != "" {
		key := local.APIKey
		if key == "" {
			key = localLLMKey
		}
		registry.Register(tools.NewLocalLLMTool(llm.NewOpenAI(key, local.Model, local.BaseURL), local.Model))
	}
	if cfg.Tools.EnableShell {
		registry.Register(tools.NewShellTool(cfg.App.Workspace))
	}
	return registry
}

// completerFor builds the client selected by the provider's kind.
func completerFor(p config.ProviderConfig) (llm.Completer, error) {
	switch p.Kind {
	case "openai":
		return llm.NewOpenAI(p.APIKey, p.Model, p.BaseURL), nil
	case "", "langchain":
		return llm.NewLangChain(p.APIKey, p.Model, p.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// model returns the rate limited default provider.
func (a *app) model() (llm.Completer, error) {
	name, p := a.cfg.GetDefaultProvider()
	if name == "" {
		return nil, errors.New("no enabled provider found in config")
	}
	c, err := a.newModel(p)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	return llm.NewRateLimited(c, a.cfg.Agent.RequestsPerSecond, 1), nil
}

// executionModel wraps model in a context window when delegate steps see
// the run history.
func (a *app) executionModel(model llm.Completer) (llm.Completer, error) {
	if !a.cfg.Agent.ContextualSteps {
		return model, nil
	}
	tok, err := llm.NewTiktoken(a.cfg.Context.EncodingModel)
	if err != nil {
		return nil, err
	}
	wcfg := window.DefaultConfig()
	wcfg.MaxTokens = a.cfg.Context.MaxTokens
	wcfg.Reserve = a.cfg.Context.Reserve
	wcfg.SummaryThreshold = a.cfg.Context.SummaryThreshold
	manager, err := window.New(tok, wcfg)
	if err != nil {
		return nil, err
	}
	windowed := window.NewCompleter(model, manager)
	windowed.OnFit = func(r window.Result) {
		a.logger.LogContext(r.Tokens, manager.Budget(), r.Elided, r.Summarized)
	}
	return windowed, nil
}

func (a *app) engine(model llm.Completer, stop agent.StopChecker, sink progress.Sink) (*agent.Engine, error) {
	execModel, err := a.executionModel(model)
	if err != nil {
		return nil, err
	}
	prompt, err := a.prompts.ExecutionPrompt()
	if err != nil {
		return nil, err
	}
	return agent.NewEngine(agent.EngineConfig{
		Model:                execModel,
		Tools:                a.tools,
		Policy:               a.policy,
		Sink:                 sink,
		Logger:               a.logger,
		Stop:                 stop,
		DefaultMaxIterations: a.cfg.Agent.MaxIterations,
		ExecutionPrompt:      prompt,
		StrictSkip:           a.cfg.Agent.StrictSkip,
	}), nil
}

func (a *app) planner(model llm.Completer) *agent.Planner {
	p := agent.NewPlanner(model, a.tools, a.prompts)
	if a.cfg.Agent.MaxTools > 0 {
		p.MaxTools = a.cfg.Agent.MaxTools
	}
	p.Logger = a.logger
	return p
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
