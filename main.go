package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/auth"
	"github.com/avelez/banter/internal/config"
	"github.com/avelez/banter/internal/email"
	"github.com/avelez/banter/internal/gateway"
	"github.com/avelez/banter/internal/handlers"
	"github.com/avelez/banter/internal/middleware"
	"github.com/avelez/banter/internal/models"
	"github.com/avelez/banter/internal/session"
	"github.com/avelez/banter/internal/store"
	"github.com/avelez/banter/internal/ws"
)

var addr = flag.String("addr", "", "http service address (overrides ADDR)")

func main() {
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Store: Redis when configured, local SQLite otherwise.
	var (
		kv  store.KV
		err error
	)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		kv, err = store.NewRedisStore(ctx, cfg.RedisURL)
		cancel()
	} else {
		kv, err = store.NewSQLiteStore(cfg.SQLitePath)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer kv.Close()

	gw := gateway.New(kv, logger)
	sessions := session.NewManager(gw, logger)
	signer := auth.NewSigner([]byte(cfg.CookieSecret))
	mail := email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, logger)

	hub := ws.NewHub(logger)
	go hub.Run()

	// The hook runs inside the chat's lock, so the hub queues events in the
	// exact order the chat records the messages.
	gw.NotifyPosted(func(chat *models.Chat, msg *models.Message) {
		hub.Broadcast(chat.ID, chat.Members, msg)
	})

	authHandler := &handlers.AuthHandler{
		Gateway:  gw,
		Sessions: sessions,
		Signer:   signer,
		Mail:     mail,
		Log:      logger,
	}
	chatHandler := &handlers.ChatHandler{
		Gateway:  gw,
		Sessions: sessions,
		Hub:      hub,
		Log:      logger,
	}

	requireSession := middleware.Auth(signer, sessions)

	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))

	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.Handle("/logout", requireSession(http.HandlerFunc(authHandler.Logout))).Methods("POST")

	r.Handle("/chats", requireSession(http.HandlerFunc(chatHandler.CreateChat))).Methods("POST")
	r.Handle("/chats", requireSession(http.HandlerFunc(chatHandler.GetChats))).Methods("GET")
	r.Handle("/chats/{id}/messages", requireSession(http.HandlerFunc(chatHandler.GetChatMessages))).Methods("GET")
	r.Handle("/chats/{id}/messages", requireSession(http.HandlerFunc(chatHandler.PostMessage))).Methods("POST")
	r.Handle("/messages/{id}", requireSession(http.HandlerFunc(chatHandler.EditMessage))).Methods("PATCH")

	r.Handle("/ws", requireSession(http.HandlerFunc(chatHandler.ServeWS)))

	logger.Info().Str("addr", cfg.Addr).Msg("starting server")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
