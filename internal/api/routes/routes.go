package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// Options controls the optional endpoints
type Options struct {
	NewRelic    *newrelic.Application
	Metrics     http.Handler
	MetricsPath string
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, opts Options) {
	// Add New Relic middleware if enabled
	if opts.NewRelic != nil {
		r.Use(nrgin.Middleware(opts.NewRelic))
	}

	r.GET("/health", h.Health)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics))
	}

	admin := h.RequireRole(ride.RoleAdmin)
	driverOnly := h.RequireRole(ride.RoleDriver)

	v1 := r.Group("/v1", h.Identity())
	{
		// WebSocket connection
		v1.GET("/ws", h.HandleWebSocket)

		rides := v1.Group("/rides")
		{
			rides.POST("", h.RequireRole(ride.RoleRequester, ride.RoleAdmin), h.CreateRide)
			rides.GET("", h.ListRides)
			rides.GET("/:id", h.GetRide)
			rides.GET("/:id/events", h.GetRideEvents)
			rides.POST("/:id/accept", driverOnly, h.AcceptRide)
			rides.POST("/:id/reject", driverOnly, h.RejectRide)
			rides.POST("/:id/start", h.StartRide)
			rides.POST("/:id/complete", h.CompleteRide)
			rides.POST("/:id/cancel", h.CancelRide)
			rides.POST("/:id/dispatch", admin, h.DispatchRide)
		}

		fares := v1.Group("/fares")
		{
			fares.POST("/estimate", h.EstimateFare)
			fares.GET("", h.ListFareConfigs)
			fares.POST("", admin, h.CreateFareConfig)
			fares.GET("/:class", h.GetFareConfig)
			fares.PUT("/:class", admin, h.PutFareConfig)
			fares.DELETE("/:class", admin, h.DeactivateFareConfig)
		}

		drivers := v1.Group("/drivers")
		{
			drivers.POST("/online", driverOnly, h.GoOnline)
			drivers.POST("/offline", driverOnly, h.GoOffline)
			drivers.POST("/location", driverOnly, h.UpdateDriverLocation)
			drivers.PUT("/availability", driverOnly, h.SetAvailability)
			drivers.GET("/nearby", h.NearbyDrivers)
			drivers.GET("/:id", h.GetDriver)
			drivers.GET("/:id/history", h.GetDriverHistory)
		}
	}
}
