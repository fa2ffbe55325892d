package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/client"
	"go.uber.org/fx"
)

func main() {
	userFlag := flag.String("user", "", "authenticated user id")
	tokenFlag := flag.String("token", os.Getenv("WORKBRIDGE_TOKEN"), "bearer token (defaults to $WORKBRIDGE_TOKEN)")
	flag.Parse()

	if *userFlag == "" || *tokenFlag == "" {
		fmt.Fprintln(os.Stderr, "error: --user and --token (or $WORKBRIDGE_TOKEN) are required")
		printUsage()
		os.Exit(1)
	}
	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var c *client.Client
	app := fx.New(
		client.Module(client.Params{UserID: *userFlag, Token: *tokenFlag}),
		fx.Populate(&c),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := app.Start(startCtx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cancel()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ctxCancel()

	var err error
	switch args[0] {
	case "conversations":
		err = cmdConversations(ctx, c)
	case "history":
		if len(args) < 2 {
			err = fmt.Errorf("usage: wbmsg history <user-id>")
			break
		}
		err = cmdHistory(ctx, c, args[1])
	case "send":
		if len(args) < 3 {
			err = fmt.Errorf("usage: wbmsg send <user-id> <message>")
			break
		}
		err = cmdSend(ctx, c, args[1], args[2])
	case "unread":
		err = cmdUnread(ctx, c)
	case "search":
		if len(args) < 2 {
			err = fmt.Errorf("usage: wbmsg search <query>")
			break
		}
		err = cmdSearch(c, args[1])
	case "watch":
		err = cmdWatch(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wbmsg --user <id> [--token <token>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  conversations         List conversations")
	fmt.Fprintln(os.Stderr, "  history <user-id>     Show conversation history")
	fmt.Fprintln(os.Stderr, "  send <user-id> <msg>  Send a message")
	fmt.Fprintln(os.Stderr, "  unread                Show unread counts")
	fmt.Fprintln(os.Stderr, "  search <query>        Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch                 Stream live events until interrupted")
}

func cmdConversations(ctx context.Context, c *client.Client) error {
	if err := c.LoadConversations(ctx); err != nil {
		return err
	}
	for _, cv := range c.Conversations() {
		name := cv.OtherParticipant.Name
		if name == "" {
			name = cv.OtherParticipantID
		}
		marker := ""
		if cv.UnreadCount > 0 {
			marker = fmt.Sprintf(" (%d unread)", cv.UnreadCount)
		}
		fmt.Printf("%-24s %s%s\n", name, cv.LastMessageBody, marker)
	}
	return nil
}

func cmdHistory(ctx context.Context, c *client.Client, otherID string) error {
	if _, err := c.LoadHistory(ctx, otherID); err != nil {
		return err
	}
	for _, m := range c.History(otherID) {
		at := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
		fmt.Printf("[%s] %s: %s\n", at, m.SenderID, m.Body)
	}
	return nil
}

func cmdSend(ctx context.Context, c *client.Client, otherID, body string) error {
	events, unsub := c.Events("message.", 16)
	defer unsub()

	tempID, err := c.Send(ctx, otherID, body)
	if err != nil {
		return err
	}

	// Wait for the send to settle so the exit code reflects the outcome.
	deadline := time.After(15 * time.Second)
	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case "message.send_ack":
				fmt.Println("sent")
				return nil
			case "message.send_failed":
				return fmt.Errorf("send failed (temp id %s)", tempID)
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for acknowledgement")
		}
	}
}

func cmdUnread(ctx context.Context, c *client.Client) error {
	total, byType, err := c.RefreshUnread(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("unread: %d\n", total)
	for k, v := range byType {
		fmt.Printf("  %s: %d\n", k, v)
	}
	return nil
}

func cmdSearch(c *client.Client, query string) error {
	results, err := c.Search(query, "", 25)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s: %s\n", r.ConversationID, r.Snippet)
	}
	return nil
}

func cmdWatch(c *client.Client) error {
	events, unsub := c.Events("", 64)
	defer unsub()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	fmt.Fprintln(os.Stderr, "watching; ctrl-c to stop")
	for {
		select {
		case <-sig:
			return nil
		case evt := <-events:
			printEvent(evt)
		}
	}
}

func printEvent(evt bus.Event) {
	ts := evt.Timestamp.Format("15:04:05")
	fmt.Printf("%s %-24s %+v\n", ts, evt.Kind, evt.Payload)
}
