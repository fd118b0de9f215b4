package handlers

import "github.com/gofiber/fiber/v3"

// ErrKindRequired is returned when the kind query parameter is missing
var ErrKindRequired = fiber.NewError(fiber.StatusBadRequest, "kind query parameter is required")

// ErrSymbolRequired is returned when the symbol query parameter is missing
var ErrSymbolRequired = fiber.NewError(fiber.StatusBadRequest, "symbol query parameter is required")

// ErrRangeRequired is returned when a range-cacheable query carries no range
var ErrRangeRequired = fiber.NewError(fiber.StatusBadRequest, "start and end query parameters are required")

// ErrProviderNameRequired is returned when the provider path parameter is missing
var ErrProviderNameRequired = fiber.NewError(fiber.StatusBadRequest, "provider name is required")

// ErrProviderNotFound is returned for provider operations on unknown names
var ErrProviderNotFound = fiber.NewError(fiber.StatusNotFound, "provider not found")

// ErrNoDataForQuery is returned when a query yields no rows
var ErrNoDataForQuery = fiber.NewError(fiber.StatusNotFound, "no data available for query")
