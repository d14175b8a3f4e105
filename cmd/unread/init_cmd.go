package main

import (
	"fmt"

	"github.com/emx-mail/unread/pkgs/config"
)

func handleInit() error {
	configPath, err := config.GetEnvConfigPath()
	if err != nil {
		return fmt.Errorf("%w (set it to the path the config should be written to)", err)
	}
	if err := config.SaveConfig(configPath, config.ExampleRootConfig()); err != nil {
		return err
	}
	fmt.Printf("Created config file at: %s\n", configPath)
	fmt.Println("Edit the accounts and export the password_env variables (or put them in .env).")
	return nil
}
