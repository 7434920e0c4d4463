package http

import (
	"net/http"

	wsDelivery "talksync/internal/delivery/websocket"

	"github.com/go-chi/chi/v5"
)

func MapHttpRoutes(r *chi.Mux, handler *Handler, websocketHandler *wsDelivery.Handler) {
	r.Handle("/ws/{deviceId}", http.HandlerFunc(websocketHandler.HandleWebSocket))

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", http.HandlerFunc(handler.CreateConversation))
		r.Get("/{conversationId}/messages", http.HandlerFunc(handler.GetMessages))
		r.Post("/{conversationId}/messages", http.HandlerFunc(handler.SendMessage))
	})

	r.Get("/users/{userId}/conversations", http.HandlerFunc(handler.ListConversations))

	r.Post("/media", http.HandlerFunc(handler.UploadMedia))
	r.Get("/media/{hash}", http.HandlerFunc(handler.GetMedia))

	r.Post("/broadcasts", http.HandlerFunc(handler.SendBroadcast))
}
