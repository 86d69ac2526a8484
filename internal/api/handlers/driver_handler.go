package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/registry"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
)

// GoOnline handles POST /v1/drivers/online
func (h *Handlers) GoOnline(c *gin.Context) {
	var req dto.GoOnlineRequest
	if !h.bindJSON(c, &req) {
		return
	}

	actor := currentActor(c)
	d, err := h.Drivers.SetOnline(c.Request.Context(), registry.Profile{
		ID:           actor.ID,
		Name:         req.Name,
		VehicleClass: req.VehicleClass,
	}, geo.At(req.Location.Geo(), time.Now()))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GoOffline handles POST /v1/drivers/offline
func (h *Handlers) GoOffline(c *gin.Context) {
	d, err := h.Drivers.SetOffline(c.Request.Context(), currentActor(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// UpdateDriverLocation handles POST /v1/drivers/location
func (h *Handlers) UpdateDriverLocation(c *gin.Context) {
	var req dto.UpdateLocationRequest
	if !h.bindJSON(c, &req) {
		return
	}

	d, err := h.Drivers.UpdateLocation(c.Request.Context(), currentActor(c).ID, locationUpdate(req))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// SetAvailability handles PUT /v1/drivers/availability
func (h *Handlers) SetAvailability(c *gin.Context) {
	var req dto.AvailabilityRequest
	if !h.bindJSON(c, &req) {
		return
	}

	d, err := h.Drivers.SetAvailability(c.Request.Context(), currentActor(c).ID, req.Availability)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetDriver handles GET /v1/drivers/:id
func (h *Handlers) GetDriver(c *gin.Context) {
	d, err := h.Drivers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetDriverHistory handles GET /v1/drivers/:id/history. Drivers see only their own trail.
func (h *Handlers) GetDriverHistory(c *gin.Context) {
	id := c.Param("id")
	actor := currentActor(c)
	if actor.Role != ride.RoleAdmin && actor.ID != id {
		h.respondError(c, apperrors.Forbidden("Location history is private", nil))
		return
	}

	samples, err := h.Drivers.History(c.Request.Context(), id, cast.ToInt(c.Query("limit")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if samples == nil {
		samples = []driver.LocationSample{}
	}
	c.JSON(http.StatusOK, gin.H{"driver_id": id, "history": samples})
}

// NearbyDrivers handles GET /v1/drivers/nearby?longitude=&latitude=&radius_km=&vehicle_class=&limit=
func (h *Handlers) NearbyDrivers(c *gin.Context) {
	lon, errLon := cast.ToFloat64E(c.Query("longitude"))
	lat, errLat := cast.ToFloat64E(c.Query("latitude"))
	if errLon != nil || errLat != nil || c.Query("longitude") == "" || c.Query("latitude") == "" {
		h.respondError(c, apperrors.BadRequest("longitude and latitude are required numbers", nil))
		return
	}

	radius := cast.ToFloat64(c.Query("radius_km"))
	if radius <= 0 {
		radius = registry.DefaultRadiusKM
	}

	candidates, err := h.Drivers.Nearby(c.Request.Context(), registry.Query{
		Center:       geo.Point{Longitude: lon, Latitude: lat},
		RadiusKM:     radius,
		VehicleClass: driver.VehicleClass(c.Query("vehicle_class")),
		Limit:        cast.ToInt(c.Query("limit")),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if candidates == nil {
		candidates = []registry.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"drivers": candidates, "count": len(candidates)})
}

func locationUpdate(req dto.UpdateLocationRequest) registry.LocationUpdate {
	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	return registry.LocationUpdate{
		Location: geo.At(req.Point(), ts),
		Speed:    req.Speed,
		Heading:  req.Heading,
	}
}
