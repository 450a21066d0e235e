package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendReplyTo string
	sendFile    string
	sendType    string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message being replied to")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "attach a file (sent over REST)")
	sendCmd.Flags().StringVar(&sendType, "type", "", "message type (default text, or file with --file)")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, text := args[0], strings.Join(args[1:], " ")

		engine, cfg, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.SendTimeout+cfg.Sync.HandshakeTimeout)
		defer cancel()

		settled := make(chan chatsync.MessageEvent, 64)
		engine.On(chatsync.EventMessage, func(_ string, payload any) {
			ev, ok := payload.(chatsync.MessageEvent)
			if !ok || (ev.Kind != chatsync.MessageReconciled && ev.Kind != chatsync.MessageFailed) {
				return
			}
			select {
			case settled <- ev:
			default:
			}
		})

		if err := engine.Connect(ctx, chatsync.StaticCredential(cfg.Server.Token)); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := engine.JoinConversation(ctx, convID); err != nil {
			return fmt.Errorf("join: %w", err)
		}

		opts := &chatsync.SendOptions{Type: sendType, ReplyToID: sendReplyTo}
		if sendFile != "" {
			f, err := os.Open(sendFile)
			if err != nil {
				return fmt.Errorf("cannot open file: %w", err)
			}
			defer f.Close()
			opts.Attachment = &chatsync.Attachment{
				FileName: filepath.Base(sendFile),
				MimeType: mime.TypeByExtension(filepath.Ext(sendFile)),
				Data:     f,
			}
			if opts.Type == "" {
				opts.Type = "file"
			}
		}

		msg, err := engine.SendMessage(ctx, convID, text, opts)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if msg.Status != chatsync.StatusPending {
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s (%s)\n", msg.ID, msg.Status)
			return nil
		}

		for {
			select {
			case ev := <-settled:
				if ev.Message.TempID != msg.TempID {
					continue
				}
				if ev.Kind == chatsync.MessageFailed {
					return fmt.Errorf("message %s failed: %w", msg.TempID, ev.Err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s (%s)\n", ev.Message.ID, ev.Message.Status)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("waiting for confirmation: %w", ctx.Err())
			}
		}
	},
}
