package main

import (
	"fmt"
	"os"

	"github.com/zvwgvx/Mikaz/common/environment"
	"github.com/zvwgvx/Mikaz/common/version"
	"github.com/zvwgvx/Mikaz/internal/mikaz/app"
	"github.com/zvwgvx/Mikaz/internal/mikaz/config"
	"github.com/zvwgvx/Mikaz/internal/mikaz/matrix"
	"github.com/zvwgvx/Mikaz/internal/mikaz/observability"
)

func main() {
	fmt.Printf("Mikaz\n%s\n\n", version.Info())

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(
		environment.StringOr("MIKAZ_LOG_LEVEL", "info"),
		environment.StringOr("MIKAZ_LOG_FORMAT", "text"),
		cfg.Matrix.AccessToken, cfg.LLMAPIKey,
	)

	mikaz, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Mikaz: %v\n", err)
		os.Exit(1)
	}
	defer mikaz.Stop()

	if err := mikaz.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Mikaz: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig combines the environment (credentials, paths) with the optional
// YAML configuration file (behavior).
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MIKAZ_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MIKAZ_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("MIKAZ_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}
	apiKey, err := environment.RequiredString("MIKAZ_LLM_API_KEY")
	if err != nil {
		return nil, err
	}

	botCfg, err := config.Load(environment.StringOr("MIKAZ_CONFIG", ""))
	if err != nil {
		return nil, err
	}
	// MIKAZ_OWNERS overrides the configuration file, so a bot can be deployed
	// with just environment variables.
	botCfg.Owners = environment.StringSliceOr("MIKAZ_OWNERS", botCfg.Owners)

	return &app.Config{
		DatabasePath: environment.StringOr("MIKAZ_DB", "./mikaz.db"),
		Bot:          botCfg,
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
		},
		LLMAPIKey: apiKey,
	}, nil
}
