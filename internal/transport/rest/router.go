package rest

import (
	"buttonsync/internal/service"
	"buttonsync/internal/transport/rest/handler"
	"buttonsync/internal/transport/rest/middleware"
	"buttonsync/internal/transport/ws"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Container holds all dependencies for the router
type Container struct {
	SessionService *service.SessionService
	AuthService    *service.AuthService
	WSHub          *ws.Hub
	Logger         zerolog.Logger
	AllowedOrigins []string
}

// NewRouter creates the API router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	// Initialize handlers
	sessionHandler := handler.NewSessionHandler(c.SessionService, c.AuthService)
	wsHandler := ws.NewHandler(c.WSHub, c.SessionService)

	// Initialize middleware
	authMW := middleware.NewAuthMiddleware(c.AuthService)

	r.Use(middleware.RequestLogger(c.Logger))
	r.Use(middleware.Recover)

	// API v1 routes
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/sessions", sessionHandler.Create).Methods("POST")
	v1.HandleFunc("/sessions/{code}", sessionHandler.Get).Methods("GET")
	v1.HandleFunc("/sessions/{code}/press", sessionHandler.Press).Methods("POST")
	v1.HandleFunc("/stats", sessionHandler.Stats).Methods("GET")

	// WebSocket subscription (public, the code is the capability)
	v1.HandleFunc("/ws/sessions/{code}", wsHandler.SessionWS).Methods("GET")

	// Initiator routes (require the token minted with the session)
	initiatorRoutes := v1.NewRoute().Subrouter()
	initiatorRoutes.Use(authMW.RequireInitiator)
	initiatorRoutes.HandleFunc("/sessions/{code}/reset", sessionHandler.Reset).Methods("POST")

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	origins := c.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}
