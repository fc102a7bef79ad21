package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
)

const prompt = "you> "

// prompter is the part of *liner.State the chat loop uses.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// lineSource reads user text from the terminal and handles slash commands
// itself, so the session only sees messages.
type lineSource struct {
	line  prompter
	out   io.Writer
	reset func()
}

func newLineSource(line prompter, out io.Writer, reset func()) *lineSource {
	return &lineSource{line: line, out: out, reset: reset}
}

func (s *lineSource) ReadText(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		input, err := s.line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return "", io.EOF
			}
			return "", err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)

		switch strings.ToLower(input) {
		case "/quit", "/exit":
			return "", io.EOF
		case "/reset":
			if s.reset != nil {
				s.reset()
			}
			fmt.Fprintln(s.out, "Conversation cleared.")
			continue
		}
		if strings.HasPrefix(input, "/") && !strings.Contains(input, " ") {
			fmt.Fprintf(s.out, "Unknown command %s. Try /reset or /quit.\n", input)
			continue
		}
		return input, nil
	}
}
