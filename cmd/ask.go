package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/relay/internal/app"
	"github.com/koopa0/relay/internal/chat"
	"github.com/koopa0/relay/internal/config"
)

var askOwner string

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Send one message through the routing pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askOwner, "owner", "local", "owner identity for memory retrieval")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	resp, err := a.Chat.Send(ctx, chat.Request{
		OwnerID: askOwner,
		Message: strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	fmt.Println(resp.Content)
	if resp.Degraded {
		fmt.Println("(degraded: no provider was available)")
	}
	return nil
}
