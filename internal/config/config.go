// Package config loads and validates smile.json, the configuration file for
// a tutorial validation run. Missing fields fall back to defaults; SMILE_*
// environment variables override file values.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/smile-run/smile/internal/errs"
)

// DefaultPath is the config file looked up when no -config flag is given.
const DefaultPath = "smile.json"

// Config controls a whole validation run: the tutorial to validate, iteration
// limits, the student's escalation behavior, and container settings.
type Config struct {
	// Tutorial is the path to the tutorial markdown file to validate.
	Tutorial string `json:"tutorial"`

	// LLMProvider selects the agent backend: "claude", "codex", or "gemini".
	LLMProvider string `json:"llmProvider"`

	// MaxIterations caps the number of student/mentor round trips.
	MaxIterations int `json:"maxIterations"`

	// TimeoutSeconds bounds the wall time of the entire loop.
	TimeoutSeconds int `json:"timeout"`

	// ContainerImage names the Docker image agents run in.
	ContainerImage string `json:"containerImage"`

	StudentBehavior StudentBehavior `json:"studentBehavior"`
	Container       ContainerConfig `json:"container"`

	// StateFile is where loop state is persisted for crash recovery.
	StateFile string `json:"stateFile"`

	// OutputDir receives generated gap reports.
	OutputDir string `json:"outputDir"`

	// BindAddr is the local address the control-plane API listens on.
	// Empty picks a free loopback port.
	BindAddr string `json:"bindAddr"`

	// ArchiveFile is the sqlite database recording past runs. Empty disables
	// archiving.
	ArchiveFile string `json:"archiveFile"`

	Notify    NotifyConfig    `json:"notify"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// StudentBehavior tunes when the simulated student escalates to the mentor.
type StudentBehavior struct {
	MaxRetriesBeforeHelp      int    `json:"maxRetriesBeforeHelp"`
	AskOnMissingDependency    bool   `json:"askOnMissingDependency"`
	AskOnAmbiguousInstruction bool   `json:"askOnAmbiguousInstruction"`
	AskOnCommandFailure       bool   `json:"askOnCommandFailure"`
	AskOnTimeout              bool   `json:"askOnTimeout"`
	TimeoutSeconds            int    `json:"timeoutSeconds"`
	PatienceLevel             string `json:"patienceLevel"`
}

// ContainerConfig controls container retention after the loop ends.
type ContainerConfig struct {
	KeepOnFailure bool `json:"keepOnFailure"`
	KeepOnSuccess bool `json:"keepOnSuccess"`
}

// NotifyConfig configures optional run-completion notifications.
type NotifyConfig struct {
	TelegramToken  string `json:"telegramToken"`
	TelegramChatID int64  `json:"telegramChatId"`
}

// TelemetryConfig enables OpenTelemetry export. Disabled by default; when
// disabled the providers are no-ops.
type TelemetryConfig struct {
	Enabled    bool    `json:"enabled"`
	Exporter   string  `json:"exporter"`
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sampleRate"`
}

// Default returns the configuration used when smile.json is absent.
func Default() Config {
	return Config{
		Tutorial:       "tutorial.md",
		LLMProvider:    "claude",
		MaxIterations:  10,
		TimeoutSeconds: 1800,
		ContainerImage: "smile-base:latest",
		StudentBehavior: StudentBehavior{
			MaxRetriesBeforeHelp:      3,
			AskOnMissingDependency:    true,
			AskOnAmbiguousInstruction: true,
			AskOnCommandFailure:       true,
			AskOnTimeout:              true,
			TimeoutSeconds:            60,
			PatienceLevel:             "low",
		},
		Container: ContainerConfig{
			KeepOnFailure: true,
			KeepOnSuccess: false,
		},
		StateFile: filepath.Join(".smile", "state.json"),
		OutputDir: ".",
	}
}

// Load reads the config file at path. A missing file yields Default(); a
// present file is schema-validated, merged over defaults, then env overrides
// and normalization are applied.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			normalize(&cfg)
			return cfg, nil
		}
		return cfg, errs.Wrap(errs.KindConfigParse,
			fmt.Sprintf("failed to read config file %q", path),
			"Check the file exists and is readable", err)
	}

	if err := validateSchema(data); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindConfigParse,
			fmt.Sprintf("failed to parse config file %q", path),
			"Check the file is valid JSON with camelCase field names", err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SMILE_TUTORIAL"); raw != "" {
		cfg.Tutorial = raw
	}
	if raw := os.Getenv("SMILE_LLM_PROVIDER"); raw != "" {
		cfg.LLMProvider = raw
	}
	if raw := os.Getenv("SMILE_MAX_ITERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxIterations = v
		}
	}
	if raw := os.Getenv("SMILE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SMILE_CONTAINER_IMAGE"); raw != "" {
		cfg.ContainerImage = raw
	}
	if raw := os.Getenv("SMILE_STATE_FILE"); raw != "" {
		cfg.StateFile = raw
	}
	if raw := os.Getenv("SMILE_OUTPUT_DIR"); raw != "" {
		cfg.OutputDir = raw
	}
	if raw := os.Getenv("SMILE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SMILE_ARCHIVE_FILE"); raw != "" {
		cfg.ArchiveFile = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.TelegramToken = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Notify.TelegramChatID = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 1800
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "smile-base:latest"
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(".smile", "state.json")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.StudentBehavior.MaxRetriesBeforeHelp <= 0 {
		cfg.StudentBehavior.MaxRetriesBeforeHelp = 3
	}
	if cfg.StudentBehavior.TimeoutSeconds <= 0 {
		cfg.StudentBehavior.TimeoutSeconds = 60
	}
	if cfg.StudentBehavior.PatienceLevel == "" {
		cfg.StudentBehavior.PatienceLevel = "low"
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "claude"
	}
}

func validate(cfg *Config) error {
	switch cfg.LLMProvider {
	case "claude", "codex", "gemini":
	default:
		return errs.New(errs.KindConfigValidation,
			fmt.Sprintf("unknown llmProvider %q", cfg.LLMProvider),
			`Use one of "claude", "codex", or "gemini"`)
	}
	switch cfg.StudentBehavior.PatienceLevel {
	case "low", "medium", "high":
	default:
		return errs.New(errs.KindConfigValidation,
			fmt.Sprintf("unknown patienceLevel %q", cfg.StudentBehavior.PatienceLevel),
			`Use one of "low", "medium", or "high"`)
	}
	if cfg.StudentBehavior.TimeoutSeconds > cfg.TimeoutSeconds {
		return errs.New(errs.KindConfigValidation,
			fmt.Sprintf("studentBehavior.timeoutSeconds (%d) exceeds the session timeout (%d)",
				cfg.StudentBehavior.TimeoutSeconds, cfg.TimeoutSeconds),
			"Lower the step timeout or raise the session timeout")
	}
	return nil
}

func validateSchema(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.KindConfigParse, "config file is not valid JSON",
			"Check for trailing commas or unquoted keys", err)
	}
	if err := compiledSchema().Validate(inst); err != nil {
		return errs.Wrap(errs.KindConfigValidation, "config file failed schema validation",
			"Compare the file against the documented smile.json fields", err)
	}
	return nil
}

// Fingerprint returns a stable hash of the fields that affect loop behavior,
// logged at startup so runs can be correlated with the config that drove them.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tutorial=%s|provider=%s|iters=%d|timeout=%d|step=%d|retries=%d|patience=%s|image=%s",
		c.Tutorial, c.LLMProvider, c.MaxIterations, c.TimeoutSeconds,
		c.StudentBehavior.TimeoutSeconds, c.StudentBehavior.MaxRetriesBeforeHelp,
		c.StudentBehavior.PatienceLevel, c.ContainerImage)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
