package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/triplore/tripchat/internal/config"
	"github.com/triplore/tripchat/internal/identity"
	"github.com/triplore/tripchat/internal/server"
	"github.com/triplore/tripchat/internal/store"
)

// TripChatApp is the HTTP surface of the chat service: the websocket
// handshake plus the read-only endpoints clients consume at join and
// reconnect time. Trip CRUD lives in a different service.
type TripChatApp struct {
	log            *log.Logger
	mux            *http.Server
	cs             *server.ChatServer
	verifier       identity.Verifier
	messages       store.MessageStore
	members        store.MembershipStore
	allowedOrigins []string
}

func NewTripChatApp(logger *log.Logger, cs *server.ChatServer, verifier identity.Verifier, messages store.MessageStore, members store.MembershipStore, metrics http.Handler, cfg *config.Config) *TripChatApp {
	s := &TripChatApp{
		log:            logger,
		cs:             cs,
		verifier:       verifier,
		messages:       messages,
		members:        members,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", metrics)
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/members", s.authMiddleware(s.getMembers))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *TripChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *TripChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
