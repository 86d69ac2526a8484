package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// EstimateFare handles POST /v1/fares/estimate
func (h *Handlers) EstimateFare(c *gin.Context) {
	var req dto.FareEstimateRequest
	if !h.bindJSON(c, &req) {
		return
	}

	estimate, err := h.Fares.Estimate(c.Request.Context(), pricing.Request{
		Pickup:          req.Pickup.Geo(),
		Dropoff:         req.Dropoff.Geo(),
		VehicleClass:    req.VehicleClass,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}

// ListFareConfigs handles GET /v1/fares
func (h *Handlers) ListFareConfigs(c *gin.Context) {
	configs := h.FareConfigs.List(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"configs": configs, "count": len(configs)})
}

// GetFareConfig handles GET /v1/fares/:class
func (h *Handlers) GetFareConfig(c *gin.Context) {
	cfg, err := h.FareConfigs.Get(c.Request.Context(), driver.VehicleClass(c.Param("class")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// PutFareConfig handles PUT /v1/fares/:class
func (h *Handlers) PutFareConfig(c *gin.Context) {
	var req dto.FareConfigRequest
	if !h.bindJSON(c, &req) {
		return
	}

	cfg, err := h.FareConfigs.Put(c.Request.Context(), req.Config(driver.VehicleClass(c.Param("class"))))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Fare config updated",
		logger.String("vehicle_class", string(cfg.VehicleClass)),
		logger.String("updated_by", currentActor(c).ID),
		logger.Float64("surge_multiplier", cfg.SurgeMultiplier),
	)
	c.JSON(http.StatusOK, cfg)
}

// CreateFareConfig handles POST /v1/fares. A class that already has a config is a conflict.
func (h *Handlers) CreateFareConfig(c *gin.Context) {
	var req dto.CreateFareConfigRequest
	if !h.bindJSON(c, &req) {
		return
	}

	cfg, err := h.FareConfigs.Create(c.Request.Context(), req.Config(req.VehicleClass))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Fare config created",
		logger.String("vehicle_class", string(cfg.VehicleClass)),
		logger.String("created_by", currentActor(c).ID),
	)
	c.JSON(http.StatusCreated, cfg)
}

// DeactivateFareConfig handles DELETE /v1/fares/:class
func (h *Handlers) DeactivateFareConfig(c *gin.Context) {
	class := driver.VehicleClass(c.Param("class"))
	if err := h.FareConfigs.Deactivate(c.Request.Context(), class); err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Fare config deactivated",
		logger.String("vehicle_class", string(class)),
		logger.String("updated_by", currentActor(c).ID),
	)
	c.Status(http.StatusNoContent)
}
