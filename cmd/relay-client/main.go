// Command relay-client is an interactive endpoint for the relay. Each line
// read from stdin is sent as a message on the given conversation; received
// envelopes and connection state changes are printed to stdout.
//
// Lines starting with "/" are commands: /typing, /stop, /read <id>,
// /status <waiting|active|resolved>, /online, /quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"support-relay/pkg/client"
	"support-relay/pkg/config"
	"support-relay/pkg/models"
	"support-relay/pkg/protocol"
	"support-relay/pkg/registry"
)

func main() {
	cfg := config.Load()

	relayURL := flag.String("url", envOr("RELAY_URL", "http://localhost:8080"), "Relay base URL")
	identity := flag.String("id", "", "Client identity (customer id, or agent-<n>)")
	conversation := flag.Int64("conversation", 0, "Conversation id to talk on")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *identity == "" || *conversation <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: relay-client -id <identity> -conversation <id> [-url http://localhost:8080]")
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := run(*relayURL, *identity, *conversation, clientOptions(cfg), logger); err != nil {
		logger.WithError(err).Fatal("relay-client failed")
	}
}

// clientOptions takes the reconnect backoff from CLIENT_BACKOFF_BASE_MS and
// CLIENT_BACKOFF_MAX_MS.
func clientOptions(cfg *config.Config) client.Options {
	return client.Options{
		BackoffBase: cfg.ClientBackoffBase(),
		BackoffMax:  cfg.ClientBackoffMax(),
	}
}

func run(relayURL, identity string, conversationID int64, opts client.Options, logger *logrus.Logger) error {
	dialer := client.WebsocketDialer{BaseURL: relayURL, ClientID: identity}
	if _, err := dialer.URL(); err != nil {
		return err
	}

	c := client.New(dialer, opts, logger)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go printEvents(c)

	isAgent := registry.IsAgentIdentity(identity)
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
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			env, quit, err := parseLine(line, identity, conversationID, isAgent, c)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if quit {
				return nil
			}
			if env != nil {
				if err := c.Send(*env); err != nil {
					return err
				}
			}
		}
	}
}

func parseLine(line, identity string, conversationID int64, isAgent bool, c *client.Client) (*protocol.Envelope, bool, error) {
	var env protocol.Envelope

	if !strings.HasPrefix(line, "/") {
		env = protocol.NewMessage(protocol.MessagePayload{
			ConversationID: conversationID,
			SenderID:       identity,
			IsFromAgent:    isAgent,
			Content:        line,
		})
		return &env, false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return nil, true, nil
	case "/online":
		c.Online()
		return nil, false, nil
	case "/typing":
		env = protocol.NewTyping(conversationID, true, isAgent)
	case "/stop":
		env = protocol.NewTyping(conversationID, false, isAgent)
	case "/read":
		if len(fields) != 2 {
			return nil, false, fmt.Errorf("usage: /read <message id>")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || id <= 0 {
			return nil, false, fmt.Errorf("invalid message id %q", fields[1])
		}
		env = protocol.NewRead(id)
	case "/status":
		if len(fields) != 2 {
			return nil, false, fmt.Errorf("usage: /status <waiting|active|resolved>")
		}
		if !models.ConversationStatus(fields[1]).Valid() {
			return nil, false, fmt.Errorf("unknown status %q", fields[1])
		}
		var agentID *int64
		if id, ok := registry.ParseAgentIdentity(identity); ok {
			agentID = &id
		}
		env = protocol.NewStatus(conversationID, fields[1], agentID)
	default:
		return nil, false, fmt.Errorf("unknown command %s", fields[0])
	}
	return &env, false, nil
}

func printEvents(c *client.Client) {
	events := c.Events()
	states := c.StateChanges()
	for events != nil || states != nil {
		select {
		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			printEnvelope(env)
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			fmt.Printf("[%s]\n", s)
		}
	}
}

func printEnvelope(env protocol.Envelope) {
	switch p := env.Payload().(type) {
	case protocol.MessagePayload:
		tag := ""
		if p.Automated() {
			tag = " (auto)"
		}
		fmt.Printf("#%d %s%s: %s\n", p.ID, p.SenderID, tag, p.Content)
	case protocol.TypingPayload:
		who := "customer"
		if p.IsAgent {
			who = "agent"
		}
		if p.IsTyping {
			fmt.Printf("... %s is typing\n", who)
		} else {
			fmt.Printf("... %s stopped typing\n", who)
		}
	case protocol.StatusPayload:
		fmt.Printf("conversation %d is now %s\n", p.ConversationID, p.Status)
	case protocol.ReadPayload:
		fmt.Printf("message #%d was read\n", p.MessageID)
	case protocol.FlashbackPayload:
		fmt.Printf("customer profile: %s\n", string(p.Profile))
	case protocol.ErrorPayload:
		fmt.Printf("error: %s\n", p.Message)
	default:
		fmt.Printf("unhandled %s envelope\n", env.Kind())
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
