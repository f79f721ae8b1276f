package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/handlers"
	"github.com/MegaGrindStone/legal-agent-ui/internal/services"
	"github.com/MegaGrindStone/legal-agent-ui/internal/stream"
	"gopkg.in/yaml.v3"
)

type titleGenConfig interface {
	titleGen(prompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all title generator configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port                 string         `yaml:"port"`
	LogLevel             string         `yaml:"logLevel"`
	DBPath               string         `yaml:"dbPath"`
	HighlightStyle       string         `yaml:"highlightStyle"`
	Agent                agentConfig    `yaml:"agent"`
	Parser               parserConfig   `yaml:"parser"`
	TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
	TitleGenerator       titleGenConfig `yaml:"titleGenerator"`
}

type agentConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type parserConfig struct {
	MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures"`
	MaxPendingBytes        int `yaml:"maxPendingBytes"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultAgentTimeout   = 30 * time.Second
	defaultTitleMaxTokens = 32

	openRouterBaseURL = "https://openrouter.ai/api/v1"

	defaultTitleGeneratorPrompt = "Genera un título breve, de no más de seis palabras, para una conversación " +
		"legal que empieza con el siguiente mensaje. Responde solo con el título, sin comillas."
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string         `yaml:"port"`
		LogLevel             string         `yaml:"logLevel"`
		DBPath               string         `yaml:"dbPath"`
		HighlightStyle       string         `yaml:"highlightStyle"`
		Agent                agentConfig    `yaml:"agent"`
		Parser               parserConfig   `yaml:"parser"`
		TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
		TitleGenerator       map[string]any `yaml:"titleGenerator"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.DBPath = rawConfig.DBPath
	c.HighlightStyle = rawConfig.HighlightStyle
	c.Agent = rawConfig.Agent
	c.Parser = rawConfig.Parser
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt

	// We leave the title generator unset when the block is absent, so the first message names the session
	if rawConfig.TitleGenerator == nil {
		return nil
	}

	provider, ok := rawConfig.TitleGenerator["provider"].(string)
	if !ok {
		return fmt.Errorf("title generator provider is required")
	}

	rawYAML, err := yaml.Marshal(rawConfig.TitleGenerator)
	if err != nil {
		return err
	}

	var tg titleGenConfig
	switch provider {
	case "ollama":
		tg = &ollamaConfig{}
	case "openai", "openrouter":
		tg = &openAIConfig{}
	case "anthropic":
		tg = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown title generator provider: %s", provider)
	}

	if err := yaml.Unmarshal(rawYAML, tg); err != nil {
		return err
	}

	c.TitleGenerator = tg
	return nil
}

// loadConfig reads the config file at path. A missing file yields the defaults, so the agent endpoint can come
// from the environment alone.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func (c *config) applyDefaults(cfgDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(cfgDir, "store.db")
	}
	if c.Agent.Endpoint == "" {
		c.Agent.Endpoint = os.Getenv("AGENT_ENDPOINT")
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = defaultAgentTimeout
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitleGeneratorPrompt
	}
}

func (c config) validate() error {
	if c.Agent.Endpoint == "" {
		return errors.New("agent endpoint is required, set agent.endpoint or AGENT_ENDPOINT")
	}
	return nil
}

func (c config) extractorOptions() stream.ExtractorOptions {
	opts := stream.DefaultExtractorOptions()
	if c.Parser.MaxConsecutiveFailures != 0 {
		opts.MaxConsecutiveFailures = c.Parser.MaxConsecutiveFailures
	}
	if c.Parser.MaxPendingBytes != 0 {
		opts.MaxPendingBytes = c.Parser.MaxPendingBytes
	}
	return opts
}

// titleGenerator builds the configured generator, falling back to naming sessions after their first message.
func (c config) titleGenerator(logger *slog.Logger) (handlers.TitleGenerator, error) {
	if c.TitleGenerator == nil {
		return services.NewFirstMessageTitle(0), nil
	}
	return c.TitleGenerator.titleGen(c.TitleGeneratorPrompt, logger)
}

func (o ollamaConfig) titleGen(prompt string, _ *slog.Logger) (handlers.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	ollama, err := services.NewOllama(host, o.Model, prompt)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (o openAIConfig) titleGen(prompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	baseURL := o.BaseURL
	if o.Provider == "openrouter" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, baseURL, o.Model, prompt, logger), nil
}

func (a anthropicConfig) titleGen(prompt string, _ *slog.Logger) (handlers.TitleGenerator, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultTitleMaxTokens
	}
	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(a.BaseURL, apiKey, a.Model, prompt, maxTokens), nil
}
