// Package main is a small interactive tunnel client used for smoke-testing a
// running tunnel server. It obtains a tunnel token, connects, watches a
// conversation, and announces the local user as typing for a few seconds
// while printing every snapshot the server pushes.
//
// Usage:
//
//	tunnelclient -url ws://localhost:8080/ws -credential <session-token> -conversation conv-1 -name Ada
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meridian/realtime/internal/client"
)

func main() {
	var (
		url          = flag.String("url", "ws://localhost:8080/ws", "tunnel WebSocket URL")
		endpoint     = flag.String("token-endpoint", "", "token endpoint URL (default: derived from -url)")
		credential   = flag.String("credential", "", "session credential used to obtain a tunnel token")
		rawToken     = flag.String("token", "", "pre-issued tunnel token (skips the token endpoint)")
		conversation = flag.String("conversation", "", "conversation ID to watch")
		name         = flag.String("name", "", "display name announced while typing")
		typeFor      = flag.Duration("type-for", 8*time.Second, "how long to keep the typing indicator active")
	)
	flag.Parse()

	if *conversation == "" {
		fmt.Fprintln(os.Stderr, "missing -conversation")
		flag.Usage()
		os.Exit(1)
	}

	var source client.TokenSource
	switch {
	case *rawToken != "":
		source = client.StaticTokenSource{Value: *rawToken, ExpiresAt: time.Now().Add(24 * time.Hour)}
	case *credential != "":
		tokenURL := *endpoint
		if tokenURL == "" {
			tokenURL = deriveTokenEndpoint(*url)
		}
		source = &client.HTTPTokenSource{Endpoint: tokenURL, Credential: *credential}
	default:
		fmt.Fprintln(os.Stderr, "missing -credential or -token")
		flag.Usage()
		os.Exit(1)
	}

	config := client.DefaultConfig()
	config.URL = *url

	m := client.NewManager(config, source)
	defer m.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var typingUntil time.Time

	for {
		select {
		case <-sigCh:
			log.Println("interrupted, disconnecting")
			return

		case ev, ok := <-m.Events():
			if !ok {
				log.Println("connection supervisor stopped")
				return
			}

			switch ev.Kind {
			case client.EventConnected:
				log.Printf("connected session=%s", ev.SessionID)
				if err := m.Watch(*conversation); err != nil {
					log.Printf("watch failed: %v", err)
					continue
				}
				if err := m.StartTyping(*conversation, *name); err != nil {
					log.Printf("start_typing failed: %v", err)
					continue
				}
				typingUntil = time.Now().Add(*typeFor)
				time.AfterFunc(*typeFor, func() {
					if err := m.StopTyping(*conversation); err != nil {
						log.Printf("stop_typing failed: %v", err)
					}
				})

			case client.EventTypingUsers:
				names := make([]string, 0, len(ev.Users))
				for _, u := range ev.Users {
					names = append(names, u.UserName)
				}
				log.Printf("typing in %s: [%s]", ev.ConversationID, strings.Join(names, ", "))

				// Once our own indicator has expired and the set is empty,
				// the demo is done.
				if len(ev.Users) == 0 && time.Now().After(typingUntil) {
					log.Println("conversation quiet, done")
					return
				}

			case client.EventDisconnected:
				log.Printf("disconnected (%v), supervisor is reconnecting", ev.Err)

			case client.EventConnectionError:
				log.Printf("fatal connection error: %v", ev.Err)
				return
			}
		}
	}
}

// deriveTokenEndpoint converts a tunnel WebSocket URL to the matching token
// endpoint, e.g. ws://host/ws -> http://host/tunnel/token.
func deriveTokenEndpoint(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/tunnel/token"
	u.RawQuery = ""
	return u.String()
}
