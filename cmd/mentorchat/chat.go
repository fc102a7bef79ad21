package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"mentorchat/internal/render"
	"mentorchat/internal/service/chat"
)

var (
	chatKey   string
	chatPlain bool
	chatWidth int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Start an interactive conversation with the mentor.

Commands:
  /reset   forget the conversation so far
  /quit    leave (Ctrl+D works too)`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatKey, "key", "", "Gemini API key for this run only")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "print replies without markdown rendering")
	chatCmd.Flags().IntVar(&chatWidth, "width", 80, "wrap width for rendered replies")
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	client, err := a.Assistant.EnsureClient(ctx, terminalClient)
	if err != nil {
		return err
	}

	session := chat.NewSession(chat.Options{
		Builder:   a.Builder,
		Generator: a.Generator,
		Credentials: chat.ChainStore{
			chat.StaticStore{chat.KeyName: chatKey},
			a.Credentials(client.ID),
		},
	})

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()
	historyFile := historyPath()
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer saveHistory(line, historyFile)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Say hello to your English mentor. /reset starts over, /quit leaves.")
	src := newLineSource(line, out, session.Reset)
	return session.Run(ctx, src, render.NewTerminal(out, chatWidth, chatPlain))
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "mentorchat", "history")
}

func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
