package main

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/chat"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the saved Gemini API key",
}

var keySetCmd = &cobra.Command{
	Use:   "set [key]",
	Short: "Save the API key (read from stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read key: %w", err)
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("api key is required")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		client, err := a.Assistant.EnsureClient(cmd.Context(), terminalClient)
		if err != nil {
			return err
		}
		if err := a.Assistant.SetAPIKey(cmd.Context(), client.ID, chat.KeyName, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", assistant.MaskKey(key))
		return nil
	},
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved API key, masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		client, err := a.Assistant.EnsureClient(cmd.Context(), terminalClient)
		if err != nil {
			return err
		}
		key, err := a.Assistant.APIKey(cmd.Context(), client.ID, chat.KeyName)
		if err != nil {
			return err
		}
		if key == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No key saved.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), assistant.MaskKey(key))
		return nil
	},
}

var keyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the saved API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		client, err := a.Assistant.EnsureClient(cmd.Context(), terminalClient)
		if err != nil {
			return err
		}
		err = a.Assistant.DeleteAPIKey(cmd.Context(), client.ID, chat.KeyName)
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintln(cmd.OutOrStdout(), "No key saved.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Key removed.")
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keySetCmd, keyShowCmd, keyClearCmd)
}
