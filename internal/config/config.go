package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"preconsult/internal/questions"
)

// Config holds all pre-consultation assistant configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Conversation ConversationConfig `yaml:"conversation"`
	Submission   SubmissionConfig   `yaml:"submission"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Speech       SpeechConfig       `yaml:"speech"`
	Logging      LoggingConfig      `yaml:"logging"`

	// Questions replaces the built-in screening question bank when non-empty.
	Questions []string `yaml:"questions"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// SessionIdleTimeout drops in-memory conversations nobody has touched for
	// this long. Zero keeps them forever.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// StorageConfig selects the durable store behind session snapshots and
// submissions. Driver is one of "memory", "sqlite" or "postgres".
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ConversationConfig carries the product constants of the intake flow.
type ConversationConfig struct {
	QuestionCount int `yaml:"question_count"`
	MinNameLength int `yaml:"min_name_length"`
	MaxAgeYears   int `yaml:"max_age_years"`

	TypingDelay         time.Duration `yaml:"typing_delay"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	RestoreDelay        time.Duration `yaml:"restore_delay"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`

	// Seed makes question sampling reproducible when non-zero.
	Seed uint64 `yaml:"seed"`
}

type SubmissionConfig struct {
	Latency time.Duration `yaml:"latency"`
}

type TelegramConfig struct {
	Token        string `yaml:"token"`
	DoctorChatID int64  `yaml:"doctor_chat_id"`
}

type SpeechConfig struct {
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`
	VoiceID          string `yaml:"voice_id"`
	STTURL           string `yaml:"stt_url"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:               "8080",
			ShutdownTimeout:    10 * time.Second,
			SessionIdleTimeout: 30 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Conversation: ConversationConfig{
			QuestionCount:       5,
			MinNameLength:       2,
			MaxAgeYears:         120,
			TypingDelay:         800 * time.Millisecond,
			SettleDelay:         500 * time.Millisecond,
			RestoreDelay:        time.Second,
			RestartDelay:        300 * time.Millisecond,
			CollaboratorTimeout: 10 * time.Second,
		},
		Submission: SubmissionConfig{
			Latency: time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("PRECONSULT_STORAGE"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DSN = v
		if os.Getenv("PRECONSULT_STORAGE") == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("DOCTOR_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DOCTOR_CHAT_ID: %w", err)
		}
		c.Telegram.DoctorChatID = id
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		c.Speech.ElevenLabsAPIKey = v
	}
	if v := os.Getenv("STT_URL"); v != "" {
		c.Speech.STTURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate rejects values the conversation cannot run with.
func (c Config) Validate() error {
	conv := c.Conversation
	switch {
	case conv.QuestionCount < 1:
		return errors.New("conversation.question_count must be at least 1")
	case conv.QuestionCount > len(c.QuestionBank()):
		return fmt.Errorf("conversation.question_count %d exceeds the %d available questions", conv.QuestionCount, len(c.QuestionBank()))
	case conv.MinNameLength < 1:
		return errors.New("conversation.min_name_length must be at least 1")
	case conv.MaxAgeYears < 1:
		return errors.New("conversation.max_age_years must be at least 1")
	case conv.CollaboratorTimeout <= 0:
		return errors.New("conversation.collaborator_timeout must be positive")
	case c.Server.SessionIdleTimeout < 0:
		return errors.New("server.session_idle_timeout must not be negative")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// QuestionBank returns the configured questions, or the built-in bank when
// none are configured.
func (c Config) QuestionBank() []string {
	if len(c.Questions) > 0 {
		return c.Questions
	}
	return questions.DefaultQuestions
}
