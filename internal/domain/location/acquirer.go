package location

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/yanqian/cropsense/internal/domain/crop"
)

// Lookup is the decoded body of the location route.
type Lookup struct {
	Success  bool              `json:"success"`
	Location crop.LocationInfo `json:"location"`
}

// Client performs the single location lookup call against baseURL.
type Client interface {
	Locate(ctx context.Context, baseURL string) (Lookup, error)
}

// Acquirer resolves the location attached to a live session.
type Acquirer struct {
	client   Client
	fallback crop.LocationInfo
	logger   *slog.Logger
}

// NewAcquirer wires an Acquirer that substitutes fallback on any failure.
func NewAcquirer(client Client, fallback crop.LocationInfo, logger *slog.Logger) *Acquirer {
	return &Acquirer{
		client:   client,
		fallback: fallback,
		logger:   logger.With("component", "location.acquirer"),
	}
}

// Fallback returns the configured default location.
func (a *Acquirer) Fallback() crop.LocationInfo {
	return a.fallback
}

// Acquire never fails: detection problems are expected and resolve to the fallback.
func (a *Acquirer) Acquire(ctx context.Context, baseURL string, wantAutoDetect bool) crop.LocationInfo {
	if !wantAutoDetect {
		return a.fallback
	}
	lookup, err := a.client.Locate(ctx, baseURL)
	if err == nil && !lookup.Success {
		err = errors.New("location service reported failure")
	}
	if err == nil && strings.TrimSpace(lookup.Location.City) == "" {
		err = errors.New("location service returned no city")
	}
	if err != nil {
		a.logger.Info("location detection not available, using default location", "error", err, "city", a.fallback.City)
		return a.fallback
	}
	return lookup.Location
}
