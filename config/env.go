package config

import "os"

// applyEnv overrides provider settings from the environment.
func applyEnv(cfg *Config) {
	setFromEnv(&cfg.Analyze.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setFromEnv(&cfg.Analyze.Anthropic.Model, "ANTHROPIC_MODEL")

	setFromEnv(&cfg.Analyze.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&cfg.Analyze.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setFromEnv(&cfg.Analyze.OpenAI.Model, "OPENAI_MODEL")
	setFromEnv(&cfg.Analyze.OpenAI.Organization, "OPENAI_ORG_ID")

	setFromEnv(&cfg.Analyze.Ollama.Host, "OLLAMA_HOST")
	setFromEnv(&cfg.Analyze.Ollama.Model, "OLLAMA_MODEL")

	setFromEnv(&cfg.Database.Path, "PILOT_DB_PATH")
	setFromEnv(&cfg.Workspace, "PILOT_WORKSPACE")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
