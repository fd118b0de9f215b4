// Package handlers implements the request handlers for the tscache admin API.
package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/quantpulse/tscache/pkg/cache"
	"github.com/quantpulse/tscache/pkg/provider"
	"github.com/quantpulse/tscache/pkg/timerange"
)

// Server holds the handler dependencies.
type Server struct {
	cache cache.Service
	log   logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(cacheService cache.Service, log logrus.FieldLogger) *Server {
	return &Server{
		cache: cacheService,
		log:   log.WithField("component", "api.handlers"),
	}
}

// RegisterRoutes attaches every admin route to r.
func (s *Server) RegisterRoutes(r fiber.Router) {
	r.Get("/stats", s.GetStats)
	r.Get("/coverage", s.GetCoverage)
	r.Get("/data", s.GetData)
	r.Get("/validate", s.GetValidation)

	r.Get("/providers", s.ListProviders)
	r.Post("/providers/:name/enable", s.EnableProvider)
	r.Post("/providers/:name/disable", s.DisableProvider)
	r.Post("/providers/:name/reset", s.ResetProviderBreaker)

	r.Post("/maintenance/cleanup", s.RunCleanup)
	r.Post("/maintenance/optimize", s.RunOptimize)
	r.Post("/maintenance/flush", s.RunFlush)

	r.Delete("/cache", s.InvalidateCache)
}

// GetStats returns aggregated cache, storage and provider statistics.
func (s *Server) GetStats(c fiber.Ctx) error {
	stats, err := s.cache.Stats()
	if err != nil {
		s.log.WithError(err).Error("Failed to collect stats")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to collect stats")
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

// GetCoverage reports cached and missing portions of a query's range.
func (s *Server) GetCoverage(c fiber.Ctx) error {
	q, err := queryFromRequest(c)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(s.cache.Coverage(q))
}

// GetData serves a query through the cache and returns the tabular result.
func (s *Server) GetData(c fiber.Ctx) error {
	q, err := queryFromRequest(c)
	if err != nil {
		return err
	}

	result, err := s.cache.Fetch(c.Context(), q)
	if err != nil && !errors.Is(err, cache.ErrPartialData) {
		if errors.Is(err, cache.ErrNoData) {
			return ErrNoDataForQuery
		}
		if errors.Is(err, cache.ErrInvalidRange) {
			return ErrRangeRequired
		}

		s.log.WithError(err).WithField("symbol", q.Symbol).Error("Fetch failed")

		return fiber.NewError(fiber.StatusBadGateway, "fetch failed: "+err.Error())
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"fields":  result.Fields,
		"rows":    result.Rows,
		"partial": err != nil,
	})
}

// GetValidation reports metadata index inconsistencies.
func (s *Server) GetValidation(c fiber.Ctx) error {
	issues := s.cache.Validate()
	if issues == nil {
		issues = []string{}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"issues": issues,
		"valid":  len(issues) == 0,
	})
}

// ListProviders returns per-provider pool statistics.
func (s *Server) ListProviders(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.cache.Providers().Stats())
}

// EnableProvider marks a provider eligible for selection.
func (s *Server) EnableProvider(c fiber.Ctx) error {
	name, err := s.providerName(c)
	if err != nil {
		return err
	}

	s.cache.Providers().Enable(name)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"provider": name, "enabled": true})
}

// DisableProvider excludes a provider from selection.
func (s *Server) DisableProvider(c fiber.Ctx) error {
	name, err := s.providerName(c)
	if err != nil {
		return err
	}

	s.cache.Providers().Disable(name)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"provider": name, "enabled": false})
}

// ResetProviderBreaker forces a provider's circuit breaker closed.
func (s *Server) ResetProviderBreaker(c fiber.Ctx) error {
	name, err := s.providerName(c)
	if err != nil {
		return err
	}

	s.cache.Providers().ResetBreaker(name)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"provider": name, "breaker_state": "closed"})
}

// RunCleanup applies the retention policy now.
func (s *Server) RunCleanup(c fiber.Ctx) error {
	stats, err := s.cache.Cleanup()
	if err != nil {
		s.log.WithError(err).Error("Cleanup failed")
		return fiber.NewError(fiber.StatusInternalServerError, "cleanup failed")
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

// RunOptimize repairs the index and prunes empty storage.
func (s *Server) RunOptimize(c fiber.Ctx) error {
	stats, err := s.cache.Optimize()
	if err != nil {
		s.log.WithError(err).Error("Optimize failed")
		return fiber.NewError(fiber.StatusInternalServerError, "optimize failed")
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

// RunFlush persists the metadata index now.
func (s *Server) RunFlush(c fiber.Ctx) error {
	if err := s.cache.Flush(); err != nil {
		s.log.WithError(err).Error("Flush failed")
		return fiber.NewError(fiber.StatusInternalServerError, "flush failed")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"flushed": true})
}

// InvalidateCache drops cached data and metadata for a query key.
func (s *Server) InvalidateCache(c fiber.Ctx) error {
	q, err := queryFromRequest(c)
	if err != nil {
		return err
	}

	if err := s.cache.Invalidate(q); err != nil {
		s.log.WithError(err).Error("Invalidation failed")
		return fiber.NewError(fiber.StatusInternalServerError, "invalidation failed")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"invalidated": true})
}

func (s *Server) providerName(c fiber.Ctx) (string, error) {
	name := c.Params("name")
	if name == "" {
		return "", ErrProviderNameRequired
	}

	if _, ok := s.cache.Providers().Stats()[name]; !ok {
		return "", ErrProviderNotFound
	}

	return name, nil
}

// queryFromRequest builds a provider query from request parameters.
func queryFromRequest(c fiber.Ctx) (provider.Query, error) {
	kind := c.Query("kind")
	symbol := c.Query("symbol")

	if kind == "" {
		return provider.Query{}, ErrKindRequired
	}
	if symbol == "" {
		return provider.Query{}, ErrSymbolRequired
	}

	q := provider.Query{
		Kind:       provider.Kind(kind),
		Symbol:     symbol,
		Range:      timerange.New(c.Query("start"), c.Query("end")),
		Frequency:  c.Query("frequency"),
		AdjustFlag: c.Query("adjust"),
		Date:       c.Query("date"),
	}

	if fields := c.Query("fields"); fields != "" {
		q.Fields = strings.Split(fields, ",")
	}

	return q, nil
}
