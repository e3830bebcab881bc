package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	roomkit "github.com/roomkit/roomkit-go"
)

var flagVerbose bool

func init() {
	chatCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log session internals to stderr")
	rootCmd.AddCommand(chatCmd)
}

// terminalNotifier prints incoming messages as they are accepted.
type terminalNotifier struct{}

func (terminalNotifier) Notify(m roomkit.ChatMessage) {
	if m.IsSystem {
		fmt.Printf("-- %s\n", m.Text)
		return
	}
	fmt.Printf("[%s] %s\n", m.SenderDisplayName, m.Text)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room>",
	Short: "Join a room and chat from the terminal",
	Long: "Join a room, stream incoming messages, and send lines typed on stdin.\n" +
		"Commands: /who lists participants, /reconnect forces a reconnect, /quit leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := getClient(flagVerbose)
		session, err := roomkit.NewSession(client, roomkit.SessionConfig{
			RoomID:   roomID,
			Self:     getSelf(),
			Notifier: terminalNotifier{},
		})
		if err != nil {
			return err
		}

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer session.Leave(context.Background())

		fmt.Printf("Joined %s (%d participants). Type to chat, /quit to leave.\n",
			roomID, session.TotalParticipants())

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				switch {
				case line == "/quit":
					return nil
				case line == "/who":
					fmt.Printf("you, as %s\n", getSelf().DisplayName)
					for _, p := range session.Others() {
						fmt.Printf("%s\n", p.DisplayName)
					}
				case line == "/reconnect":
					session.Reconnect()
					fmt.Println("reconnecting...")
				case strings.TrimSpace(line) == "":
					// nothing to send
				default:
					session.KeystrokeObserved()
					if err := session.Send(ctx, line); err != nil {
						fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
					}
				}
			}
		}
	},
}
