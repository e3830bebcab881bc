package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	roomkit "github.com/roomkit/roomkit-go"
)

// getClient creates a Roomkit client from the stored configuration.
func getClient(verbose bool) *roomkit.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'roomkit init <token>' first.")
		os.Exit(1)
	}

	opts := []roomkit.ClientOption{}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, roomkit.WithBaseURL(cfg.Default.BaseURL))
	}
	if verbose {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, roomkit.WithLogger(log))
	}

	return roomkit.NewClient(cfg.Default.Token, opts...)
}

// getSelf builds the local participant from the stored profile.
func getSelf() roomkit.Participant {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Profile.ParticipantID == "" || cfg.Profile.DisplayName == "" {
		fmt.Fprintln(os.Stderr, "No profile. Run 'roomkit init <token>' and set profile.display_name.")
		os.Exit(1)
	}
	return roomkit.Participant{
		ID:          cfg.Profile.ParticipantID,
		DisplayName: cfg.Profile.DisplayName,
		AvatarRef:   cfg.Profile.AvatarRef,
	}
}
