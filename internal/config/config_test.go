package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults tests the values used when nothing is set
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5.0, cfg.Dispatch.SearchRadiusKM)
	assert.Equal(t, 10, cfg.Dispatch.MaxCandidates)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.OfferTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Registry.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.Registry.SweepInterval)
	assert.Equal(t, 100, cfg.Registry.HistoryCapacity)
	assert.Equal(t, BackendMemory, cfg.Features.StorageBackend)
	assert.Equal(t, BackendMemory, cfg.Features.GeoBackend)
	assert.False(t, cfg.Kafka.Enabled)
}

// TestLoad_Overrides tests typed environment parsing
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DISPATCH_SEARCH_RADIUS_KM", "3.5")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "2")
	t.Setenv("DISPATCH_OFFER_TIMEOUT", "45s")
	t.Setenv("DISPATCH_REQUIRE_FARE", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("REGISTRY_STALE_AFTER", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3.5, cfg.Dispatch.SearchRadiusKM)
	assert.Equal(t, 2, cfg.Dispatch.MaxAssignmentAttempts)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.OfferTimeout)
	assert.True(t, cfg.Dispatch.RequireFareEstimate)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Minute, cfg.Registry.StaleAfter, "unparsable values fall back to the default")
}

// TestValidate_ReportsEveryProblem tests error accumulation
func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "mongo")
	t.Setenv("GEO_INDEX_BACKEND", "quadtree")
	t.Setenv("DISPATCH_MAX_CANDIDATES", "0")

	_, err := Load()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "STORAGE_BACKEND")
	assert.Contains(t, msg, "GEO_INDEX_BACKEND")
	assert.Contains(t, msg, "DISPATCH_MAX_CANDIDATES")
}

// TestDatabaseConfig_ConnectionStrings tests DSN rendering
func TestDatabaseConfig_ConnectionStrings(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: "5432", Name: "dispatch", User: "u", Password: "p", SSLMode: "disable"}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=dispatch sslmode=disable", db.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/dispatch?sslmode=disable", db.URL())
}
