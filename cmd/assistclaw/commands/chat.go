package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/assistant"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
)

// newChatCmd creates `assistclaw chat`, a local conversation with the same
// dialogue the WhatsApp channels use.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Send one message, or start an interactive session (no arguments).
The conversation goes through the same classifier, validator and
dispatcher as WhatsApp messages.

Commands in interactive mode:
  /reset   forget the current conversation
  /exit    quit

Examples:
  assistclaw chat "What's on my calendar tomorrow?"
  assistclaw chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("as", "cli", "user id the conversation is kept under")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := loadEnv(cmd, false, quietOutput(cmd))
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := rt.newAssistant(ctx, cmd.Root().Version)
	if err != nil {
		return err
	}
	defer a.Close()

	user, _ := cmd.Flags().GetString("as")

	if len(args) > 0 {
		fmt.Println(chatReply(ctx, a, user, args[0]))
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/exit",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s is listening. /reset starts over, /exit quits.\n", rt.cfg.Name)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			a.Conversations().Clear(user)
			fmt.Println("Conversation cleared.")
			continue
		}
		fmt.Println(chatReply(ctx, a, user, line))
	}
}

func chatReply(ctx context.Context, a *assistant.Assistant, user, text string) string {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	reply, _ := a.Reply(ctx, &channels.IncomingMessage{
		ID:        uuid.NewString(),
		Channel:   "cli",
		From:      user,
		Content:   text,
		Timestamp: time.Now(),
	})
	return "assistant> " + reply
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".assistclaw")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
