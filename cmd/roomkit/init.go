package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the service token in ~/.roomkit/config.toml",
	Long:  "Initialize the Roomkit CLI by storing your service token and generating a participant identity.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token
		if cfg.Profile.ParticipantID == "" {
			cfg.Profile.ParticipantID = uuid.NewString()
		}
		if cfg.Profile.AvatarRef == "" {
			cfg.Profile.AvatarRef = "default"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Profile.DisplayName == "" {
			fmt.Println("Set a display name with 'roomkit config set profile.display_name <name>'.")
		}
		return nil
	},
}
