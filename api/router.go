package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every dashboard route onto a chi mux.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.ListDevices)
			r.Post("/", h.CreateDevice)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetDevice)
				r.Delete("/", h.DeleteDevice)
				r.Put("/topic", h.UpdateDeviceTopic)
				r.Put("/status", h.UpdateDeviceStatus)
				r.Get("/metrics", h.DeviceMetrics)
				r.Get("/chart", h.DeviceChart)
				r.Get("/history", h.DeviceHistory)
				r.Get("/records", h.DeviceRecords)
			})
		})

		r.Get("/history", h.ListHistory)
		r.Delete("/history", h.ClearHistory)
		r.Get("/latest", h.ListLatest)
		r.Delete("/latest", h.ClearLatest)

		r.Get("/connection", h.ConnectionStatus)
		r.Post("/connection/connect", h.Connect)
		r.Post("/connection/disconnect", h.Disconnect)
		r.Post("/connection/test", h.TestConnection)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
	})

	return r
}
