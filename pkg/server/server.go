package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/config"
	"support-relay/pkg/handlers"
)

// NewRouter wires every HTTP route onto handler.
func NewRouter(handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Duplex channel
	router.HandleFunc("/ws", handler.WebSocket).Methods("GET")

	// Conversations
	router.HandleFunc("/conversations", handler.CreateConversation).Methods("POST")
	router.HandleFunc("/conversations", handler.ListConversations).Methods("GET")
	router.HandleFunc("/conversations/{id}", handler.GetConversation).Methods("GET")
	router.HandleFunc("/conversations/{id}/messages", handler.ListMessages).Methods("GET")
	router.HandleFunc("/conversations/{id}/messages", handler.SendMessage).Methods("POST")
	router.HandleFunc("/conversations/{id}/status", handler.UpdateStatus).Methods("POST")
	router.HandleFunc("/conversations/{id}/take-over", handler.TakeOver).Methods("POST")
	router.HandleFunc("/conversations/{id}/automation", handler.SetAutomation).Methods("PUT")
	router.HandleFunc("/conversations/{id}/automation", handler.GetAutomation).Methods("GET")
	router.HandleFunc("/messages/{id}/read", handler.MarkRead).Methods("POST")

	// Agents and automation settings
	router.HandleFunc("/agents", handler.CreateAgent).Methods("POST")
	router.HandleFunc("/agents/{id}", handler.GetAgent).Methods("GET")
	router.HandleFunc("/agents/{id}/automation-delay", handler.SetAutomationDelay).Methods("PUT")
	router.HandleFunc("/agents/{id}/prompts", handler.CreatePrompt).Methods("POST")
	router.HandleFunc("/agents/{id}/prompts", handler.ListPrompts).Methods("GET")
	router.HandleFunc("/automation/timers", handler.ListTimers).Methods("GET")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))

	return router
}

func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
