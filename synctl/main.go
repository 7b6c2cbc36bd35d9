package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/collabsync/collab/collab"
)

const Version = "0.1.0"

const DefaultSyncUrl = "ws://localhost:8080/ws"

func main() {
	usage := fmt.Sprintf(
		`Sync record tool.

The default sync url is:
    sync_url: %s

Usage:
    synctl watch --content_type=<content_type> --content_id=<content_id>
        [--sync_url=<sync_url>] [--token=<token>]
    synctl edit --content_type=<content_type> --content_id=<content_id>
        --field=<field> --value=<value>
        [--sync_url=<sync_url>] [--token=<token>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --sync_url=<sync_url>
    --content_type=<content_type>
    --content_id=<content_id>
    --field=<field>
    --value=<value>
    --token=<token>                  Bearer token. Prompted when omitted.`,
		DefaultSyncUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) (*collab.TransportClient, *collab.SubscriptionManager) {
	syncUrl := DefaultSyncUrl
	if syncUrlAny := opts["--sync_url"]; syncUrlAny != nil {
		syncUrl = syncUrlAny.(string)
	}

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		fmt.Print("token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Printf("could not read token: %s\n", err)
			os.Exit(1)
		}
		token = string(tokenBytes)
	}

	client := collab.NewTransportClientWithDefaults(ctx, syncUrl)
	subs := collab.NewSubscriptionManager(client)

	if err := client.Connect(token); err != nil {
		fmt.Printf("connect error: %s\n", err)
		os.Exit(1)
	}

	contentType, _ := opts.String("--content_type")
	contentId, _ := opts.String("--content_id")
	subs.SubscribeToContent(contentType, contentId)

	return client, subs
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, subs := connect(cancelCtx, opts)
	defer client.Close()
	defer subs.Close()

	engine := collab.NewOptimisticUpdateEngine(client, subs)
	defer engine.Close()

	subs.AddEditorJoined(func(editor collab.ActiveEditor) {
		fmt.Printf("+ %s (%s)\n", editor.EditorDisplayName, editor.EditorId)
	})
	subs.AddEditorLeft(func(editor collab.ActiveEditor) {
		fmt.Printf("- %s (%s)\n", editor.EditorDisplayName, editor.EditorId)
	})
	subs.AddEditorsReplaced(func(editors []collab.ActiveEditor) {
		fmt.Printf("editors: %d\n", len(editors))
		for _, editor := range editors {
			fmt.Printf("  %s (%s)\n", editor.EditorDisplayName, editor.EditorId)
		}
	})
	subs.AddContentDeleted(func(event *collab.ContentDeletedEvent) {
		fmt.Printf("deleted %s/%s by %s\n", event.ContentType, event.ContentId, event.DeletedBy)
	})
	engine.AddRemoteUpdate(func(event *collab.ContentUpdatedEvent) {
		for _, change := range event.Changes {
			fmt.Printf("~ %s = %v (by %s)\n", change.Field, change.NewValue, event.UpdatedBy)
		}
	})
	client.AddConnectionListener(func(state collab.ConnectionState, err error) {
		if err != nil {
			fmt.Printf("connection %s: %s\n", state, err)
		} else {
			fmt.Printf("connection %s\n", state)
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	<-sigChan
}

func edit(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, subs := connect(cancelCtx, opts)
	defer client.Close()
	defer subs.Close()

	engine := collab.NewOptimisticUpdateEngine(client, subs)
	defer engine.Close()

	field, _ := opts.String("--field")
	value, _ := opts.String("--value")

	verdict := make(chan string, 1)
	engine.AddCommitted(func(update *collab.OptimisticUpdate) {
		verdict <- fmt.Sprintf("committed %s", update.UpdateId)
	})
	engine.AddRolledBack(func(update *collab.OptimisticUpdate, reason string, revert map[string]any) {
		verdict <- fmt.Sprintf("rolled back %s: %s", update.UpdateId, reason)
	})

	subs.NotifyEditingField(field)
	update, ok := engine.SendOptimisticUpdate([]collab.ContentChange{
		collab.NewContentChange(field, nil, value),
	})
	if !ok {
		fmt.Println("send failed: no subscription")
		os.Exit(1)
	}
	fmt.Printf("sent %s\n", update.UpdateId)
	subs.NotifyStoppedEditing(field)

	select {
	case result := <-verdict:
		fmt.Println(result)
	case <-time.After(10 * time.Second):
		fmt.Println("no verdict within 10s")
		os.Exit(1)
	}
}
