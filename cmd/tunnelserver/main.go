package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/meridian/realtime/internal/auth"
	"github.com/meridian/realtime/internal/messaging"
	"github.com/meridian/realtime/internal/presence"
	"github.com/meridian/realtime/internal/protocol"
	"github.com/meridian/realtime/internal/ratelimit"
	"github.com/meridian/realtime/internal/revoke"
	"github.com/meridian/realtime/internal/session"
	"github.com/meridian/realtime/internal/token"
	"github.com/meridian/realtime/internal/tunnel"
	"github.com/meridian/realtime/internal/typing"
	"github.com/meridian/realtime/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Signing secret ---
	// A missing secret is a deployment mistake: refuse to start rather than
	// silently issuing unverifiable tokens.
	secret := os.Getenv(token.SecretEnv)
	if secret == "" {
		secret = os.Getenv(token.LegacySecretEnv)
	}
	if secret == "" {
		log.Fatalf("no signing secret: set %s (or %s)", token.SecretEnv, token.LegacySecretEnv)
	}

	tokens, err := token.NewService([]byte(secret))
	if err != nil {
		log.Fatalf("failed to create token service: %v", err)
	}
	authn := auth.New(tokens, []byte(secret))

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "tunnel-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())
	revocations := revoke.NewStore(sessionStore.Client())

	// --- Typing coordinator ---
	store := presence.NewStore(presence.TypingTimeout)
	coordinator := typing.NewCoordinator(store, natsClient, serverName)

	log.Printf("Tunnel server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// sendTypingUsers pushes the current typing snapshot for a conversation
	// to a single connection.
	sendTypingUsers := func(sid, conversationID string, records []presence.Record) {
		users := make([]protocol.TypingUser, 0, len(records))
		for _, rec := range records {
			users = append(users, protocol.TypingUser{
				UserID:   rec.UserID,
				UserName: rec.UserName,
				Ts:       rec.Timestamp.UnixMilli(),
			})
		}
		resp, err := protocol.NewServerMessage(protocol.TypeTypingUsers, protocol.TypingUsersMsg{
			ConversationID: conversationID,
			Users:          users,
		})
		if err != nil {
			log.Printf("[typing-sub] build snapshot for session=%s failed: %v", sid, err)
			return
		}
		if err := server.SendMessage(sid, resp); err != nil {
			log.Printf("[typing-sub] send snapshot to session=%s failed: %v", sid, err)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// start_typing — register the user as typing in a conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStartTyping, func(conn *ws.Connection, msg interface{}) {
		startMsg, ok := msg.(protocol.StartTypingMsg)
		if !ok || startMsg.ConversationID == "" {
			return
		}

		// Per-user typing throttle (fail open on Redis errors).
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleTyping)
		cancel()
		if !allowed {
			return
		}

		userName := startMsg.UserName
		if userName == "" {
			userName = conn.UserID
		}

		if err := coordinator.StartTyping(startMsg.ConversationID, conn.UserID, userName); err != nil {
			// The indicator is already recorded locally; fan-out to other
			// instances failed. Degrade without disturbing the client.
			log.Printf("start_typing session=%s conv=%s: %v", conn.ID, startMsg.ConversationID, err)
		}
		coordinator.BindConnection(conn.ID, startMsg.ConversationID, conn.UserID)
	})

	// -----------------------------------------------------------------------
	// stop_typing — clear the user's typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		stopMsg, ok := msg.(protocol.StopTypingMsg)
		if !ok || stopMsg.ConversationID == "" {
			return
		}

		if err := coordinator.StopTyping(stopMsg.ConversationID, conn.UserID); err != nil {
			log.Printf("stop_typing session=%s conv=%s: %v", conn.ID, stopMsg.ConversationID, err)
		}
		coordinator.UnbindConnection(conn.ID, stopMsg.ConversationID, conn.UserID)
	})

	// -----------------------------------------------------------------------
	// watch — subscribe to typing snapshots for a conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeWatch, func(conn *ws.Connection, msg interface{}) {
		watchMsg, ok := msg.(protocol.WatchMsg)
		if !ok || watchMsg.ConversationID == "" {
			return
		}
		sid := conn.ID
		conversationID := watchMsg.ConversationID

		unsub := coordinator.Subscribe(conversationID, func(records []presence.Record) {
			sendTypingUsers(sid, conversationID, records)
		})
		conn.AddWatch(conversationID, unsub)

		// Immediate snapshot so the client does not wait for the next change.
		sendTypingUsers(sid, conversationID, coordinator.GetTypingUsers(conversationID))

		log.Printf("watch from session=%s conv=%s", sid, conversationID)
	})

	// -----------------------------------------------------------------------
	// unwatch — cancel a conversation subscription
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeUnwatch, func(conn *ws.Connection, msg interface{}) {
		unwatchMsg, ok := msg.(protocol.UnwatchMsg)
		if !ok || unwatchMsg.ConversationID == "" {
			return
		}
		if conn.RemoveWatch(unwatchMsg.ConversationID) {
			log.Printf("unwatch from session=%s conv=%s", conn.ID, unwatchMsg.ConversationID)
		}
	})

	server = ws.NewServer(config, authn, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.SetLimiter(limiter)
	server.SetRevocations(revocations)

	tokenHandler := tunnel.NewHandler(authn, tokens, limiter)
	tokenHandler.SetRevocations(revocations)
	server.SetTokenHandler(tokenHandler)

	// Disconnects clear every typing indicator the connection registered, so
	// other participants never see a ghost typist from a dead tunnel.
	server.SetOnDisconnect(func(connID string) {
		coordinator.ReleaseConnection(connID)
	})

	// Periodic sweep backstops the per-record expiry timers.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go coordinator.StartSweep(sweepCtx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancelSweep()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
