// Command coedit-server runs the collaborative-editor relay: a WebSocket
// endpoint that persists named files with version history, forwards AI
// completion prompts to a hosted model, and fans state changes out to every
// connected session.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/alexkarev/coedit/pkg/completion"
	"github.com/alexkarev/coedit/pkg/config"
	"github.com/alexkarev/coedit/pkg/hub"
	"github.com/alexkarev/coedit/pkg/router"
	"github.com/alexkarev/coedit/pkg/store"
	"github.com/alexkarev/coedit/pkg/telemetry"
)

const serviceVersion = "0.3.0"

var upgrader = websocket.Upgrader{
	// The editor front-end is served from another origin during
	// development; origin checks stay permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	tele, err := telemetry.NewManager(ctx, telemetry.Config{
		ServiceName:    "coedit-server",
		ServiceVersion: serviceVersion,
		Environment:    cfg.Telemetry.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}

	st, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	h := hub.New()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := hub.AttachBridge(ctx, h, rdb, cfg.RedisChannel); err != nil {
			log.Fatalf("attach redis bridge %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("broadcast bridge on redis %s channel %s", cfg.RedisAddr, cfg.RedisChannel)
	}

	prompts := completion.NewPromptSource()
	if cfg.Completion.PromptTemplate != "" {
		if err := prompts.LoadFile(cfg.Completion.PromptTemplate); err != nil {
			log.Fatalf("load prompt template: %v", err)
		}
		if err := prompts.Watch(); err != nil {
			log.Fatalf("watch prompt template: %v", err)
		}
		defer prompts.Close()
	}

	completer := completion.NewClient(buildProvider(cfg), prompts, completion.Options{
		MaxAttempts: cfg.Completion.MaxAttempts,
		Interval:    cfg.Completion.Interval.Std(),
		Indent:      completion.IndentPolicy(cfg.Completion.IndentPolicy),
		Telemetry:   tele,
	})

	rt := router.New(st, completer, h, tele)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveConnection(rt, h, w, r)
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("coedit relay listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server stopped unexpectedly: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown: %v", err)
	}
	_ = h.Close()
	if err := tele.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("server exited cleanly")
}

func buildProvider(cfg config.Config) completion.Provider {
	switch cfg.Completion.Provider {
	case "anthropic":
		return completion.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"), cfg.Completion.Model)
	default:
		return completion.NewOpenAIProvider(os.Getenv("OPENAI_API_KEY"), cfg.Completion.Model)
	}
}

// serveConnection upgrades one request, runs the handshake, and pumps
// inbound frames through the router until the client goes away.
func serveConnection(rt *router.Router, h *hub.Hub, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade: %v", err)
		return
	}

	session := hub.NewSession(ws)
	h.Register(session)
	defer func() {
		h.Unregister(session)
		_ = session.Close()
	}()
	log.Printf("session %s connected", session.ID())

	ctx := r.Context()
	if err := rt.Welcome(ctx, session); err != nil {
		log.Printf("session %s handshake: %v", session.ID(), err)
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Printf("session %s disconnected: %v", session.ID(), err)
			return
		}
		if err := rt.Dispatch(ctx, session, data); err != nil {
			log.Printf("session %s: %v", session.ID(), err)
		}
	}
}
