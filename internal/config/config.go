package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Responder names accepted by the server's responder setting
const (
	// ResponderEcho quotes the last user message back, chunk by chunk
	ResponderEcho = "echo"
	// ResponderOllama streams from a local Ollama chat API
	ResponderOllama = "ollama"
	// ResponderOpenAI streams from an OpenAI-compatible chat completions API
	ResponderOpenAI = "openai"
	// ResponderAnthropic streams from the Anthropic messages API
	ResponderAnthropic = "anthropic"
)

// DefaultSystemPrompt seeds every backend conversation
const DefaultSystemPrompt = "As an experienced educator and expert in your field, you excel at deconstructing complex tasks into understandable segments. Before providing an answer, ask the user clarifying questions to ensure you fully understand their request. Engage the user by asking follow-up questions to gather more context and details. Once you have a clear understanding of the user's needs, provide a clear, concise, and step-by-step explanation that covers the process, theory, and practical application of the subject matter."

// Duration wraps time.Duration so TOML files can use strings like "10s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds application configuration for the client and the bundled server
type Config struct {
	// Client
	Endpoint     string   `toml:"endpoint"`      // websocket URL both panes dial
	Panes        []string `toml:"panes"`         // display names, exactly two
	LogDir       string   `toml:"log_dir"`       // directory for rotated log, trace and metric files
	Debug        bool     `toml:"debug"`         // enable debug logging
	Telemetry    bool     `toml:"telemetry"`     // export traces and metrics to LogDir
	GlamourStyle string   `toml:"glamour_style"` // "auto", "dark", "light", "notty" or a style file path
	WordWrap     int      `toml:"word_wrap"`     // markdown wrap width
	DialTimeout  Duration `toml:"dial_timeout"`
	ReplyTimeout Duration `toml:"reply_timeout"` // 0 disables

	// Server
	ListenAddr     string   `toml:"listen_addr"`
	Responder      string   `toml:"responder"` // echo|ollama|openai|anthropic
	OllamaURL      string   `toml:"ollama_url"`
	OllamaModel    string   `toml:"ollama_model"` // format "model:version"
	OpenAIURL      string   `toml:"openai_url"`
	OpenAIModel    string   `toml:"openai_model"` // key is read from OPENAI_API_KEY
	AnthropicURL   string   `toml:"anthropic_url"`
	AnthropicModel string   `toml:"anthropic_model"` // key is read from ANTHROPIC_API_KEY
	SystemPrompt   string   `toml:"system_prompt"`
	ChunkDelay     Duration `toml:"chunk_delay"` // pause between echo deltas
	CacheTTL       Duration `toml:"cache_ttl"`   // replay window for identical histories, 0 (default) disables
}

// Default returns the configuration used when no file or flags override it
func Default() Config {
	return Config{
		Endpoint:       "ws://localhost:8000/ws",
		Panes:          []string{"left", "right"},
		LogDir:         "logs",
		Telemetry:      true,
		GlamourStyle:   "auto",
		WordWrap:       80,
		DialTimeout:    Duration{10 * time.Second},
		ListenAddr:     ":8000",
		Responder:      ResponderEcho,
		OllamaURL:      "http://localhost:11434",
		OllamaModel:    "llama3:latest",
		OpenAIURL:      "https://api.openai.com/v1",
		OpenAIModel:    "gpt-3.5-turbo",
		AnthropicURL:   "https://api.anthropic.com",
		AnthropicModel: "claude-sonnet-4-20250514",
		SystemPrompt:   DefaultSystemPrompt,
		ChunkDelay:     Duration{40 * time.Millisecond},
	}
}

// Load reads a TOML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate checks the client-side settings
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint must use ws:// or wss://, got %q", c.Endpoint)
	}
	if len(c.Panes) != 2 {
		return fmt.Errorf("exactly two panes are required, got %d", len(c.Panes))
	}
	if c.Panes[0] == c.Panes[1] {
		return fmt.Errorf("pane names must differ, got %q twice", c.Panes[0])
	}
	if c.WordWrap <= 0 {
		return fmt.Errorf("word_wrap must be positive, got %d", c.WordWrap)
	}
	if c.DialTimeout.Duration < 0 || c.ReplyTimeout.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// ValidateServer checks the server-side settings
func (c Config) ValidateServer() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.Responder {
	case ResponderEcho:
	case ResponderOllama:
		if strings.TrimSpace(c.OllamaModel) == "" {
			return fmt.Errorf("ollama_model is required for the ollama responder")
		}
	case ResponderOpenAI:
		if strings.TrimSpace(c.OpenAIModel) == "" {
			return fmt.Errorf("openai_model is required for the openai responder")
		}
	case ResponderAnthropic:
		if strings.TrimSpace(c.AnthropicModel) == "" {
			return fmt.Errorf("anthropic_model is required for the anthropic responder")
		}
	default:
		return fmt.Errorf("unknown responder: %s", c.Responder)
	}
	if c.ChunkDelay.Duration < 0 || c.CacheTTL.Duration < 0 {
		return fmt.Errorf("chunk_delay and cache_ttl must not be negative")
	}
	return nil
}
