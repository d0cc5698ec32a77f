package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dfelinto/blender-cloud-addon/pkg/client"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save an authentication token",
	Long: `Prompt for a Blender ID token, check it against the server and save it
for later commands. Pass --token to skip the prompt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token := cfg.Token
		if token == "" {
			fmt.Print("Token: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(string(raw))
		}
		if token == "" {
			return errors.New("no token given")
		}

		c, err := client.New(client.Config{
			BaseURL:   cfg.ServerURL,
			Timeout:   cfg.HTTPTimeout,
			AuthToken: token,
			Logger:    logger.Named("client"),
		})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		user, err := c.Me(ctx)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		tf := client.NewTokenFile(token, c.BaseURL())
		tf.Username = user.Username
		if err := client.SaveToken(tf); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		fmt.Printf("Logged in as %s. Token saved to %s\n", user.Username, client.TokenFilePath())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the saved token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.DeleteToken(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("No saved token found.")
				return nil
			}
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
