package handlers

import (
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) SetRoutes(r *chi.Mux) {
	r.Route("/v1", func(r chi.Router) {

		r.Get("/health", h.HealthHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Get("/cards/{uid}", h.GetCard)
			r.Put("/cards/{id}", h.SaveAliases)
			r.Post("/cards/{uid}/topups", h.CreateTopup)
			r.Post("/cards/{uid}/rebuild", h.RebuildCard)

			r.Post("/transactions/merge", h.MergeTransactions)

			r.Put("/devices/current", h.RegisterDevice)
			r.Get("/devices/current/status", h.DeviceStatus)
			r.Post("/devices/{uid}/approve", h.ApproveDevice)

			r.Get("/organisations/{id}/approved-public-keys", h.ApprovedPublicKeys)
		})
	})
}

func (h *Handler) InitAuth() {
	var jwtKey = os.Getenv("JWT_SECRET_KEY")
	h.tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)

	expirationTime := time.Now().Add(7 * 24 * time.Hour).Unix()

	_, tokenString, _ := h.tokenAuth.Encode(map[string]interface{}{
		"device_uid":      os.Getenv("DEBUG_DEVICE_UID"),
		"organisation_id": 1,
		"exp":             expirationTime,
	})

	// For debugging only, comment it out in production
	log.Infof("DEBUG: JWT for testing expires soon : %s", tokenString)
}
