// buttonsync is the terminal client for the two-party press rendezvous.
//
//	buttonsync initiate            create a session and press as the user
//	buttonsync help --code AB3D9K  join a session and press as the helper
//
// Press Enter to press the button.
package main

import (
	"bufio"
	"buttonsync/internal/client"
	"buttonsync/internal/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var server, code, logLevel string
	var poll, grace = client.DefaultPollInterval, client.DefaultGrace
	var noSubscribe bool

	flagSet := pflag.NewFlagSet("buttonsync", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", envOr("BUTTONSYNC_SERVER", "http://localhost:8080"), "server base URL")
	flagSet.StringVar(&code, "code", "", "session code read out by the initiator (help only)")
	flagSet.DurationVar(&poll, "poll", poll, "session poll interval")
	flagSet.DurationVar(&grace, "grace", grace, "pause after success before exiting (initiate only)")
	flagSet.BoolVar(&noSubscribe, "no-subscribe", false, "poll only, without the WebSocket stream")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: buttonsync <initiate|help> [flags]\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	logger.Setup(logLevel, "development")

	args := flagSet.Args()
	if len(args) != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var api client.API = client.NewHTTPClient(server)
	if noSubscribe {
		api = pollOnly{api}
	}
	opts := client.Options{
		PollInterval: poll,
		Grace:        grace,
		Observer:     printEvent,
	}
	in := bufio.NewReader(os.Stdin)

	switch args[0] {
	case "initiate":
		err := client.NewInitiator(api, opts).Run(ctx, readPresses(ctx, in))
		if err == nil {
			fmt.Println("Done.")
		}
		return err
	case "help":
		if code == "" {
			fmt.Print("Enter the 6-character code: ")
			line, err := in.ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no code entered")
			}
			code = line
		}
		helper, err := client.NewHelper(api, code, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Joined session %s. Press Enter together with the other person.\n", helper.Code())
		err = helper.Run(ctx, readPresses(ctx, in))
		if err == nil {
			fmt.Println("Done.")
		}
		return err
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// pollOnly hides the subscription capability of an API
type pollOnly struct{ client.API }

func printEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventSessionCreated:
		fmt.Printf("Session code: %s\nRead it to the helper, then both press Enter at the same time.\n", ev.Code)
	case client.EventPressed:
		fmt.Println("Pressed. Waiting for the other person...")
	case client.EventPeerPressed:
		fmt.Println("The other person pressed.")
	case client.EventSuccess:
		fmt.Println("Success! You pressed together.")
	case client.EventNotSimultaneous:
		if ev.Attempt > 0 {
			fmt.Printf("Not quite together (attempt %d). Try again.\n", ev.Attempt)
		} else {
			fmt.Println("Not quite together. Waiting for the initiator to reset...")
		}
	case client.EventReset:
		fmt.Println("Ready for another try.")
	case client.EventTimedOut:
		if ev.Err != nil {
			fmt.Println("The session timed out. Ask for a new code.")
		} else {
			fmt.Println("The session timed out. Creating a new one...")
		}
	case client.EventNotActive:
		fmt.Println("This session is no longer active.")
	case client.EventError:
		fmt.Fprintf(os.Stderr, "warning: %v\n", ev.Err)
	}
}

// readPresses turns each line on r into a press
func readPresses(ctx context.Context, r io.Reader) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
