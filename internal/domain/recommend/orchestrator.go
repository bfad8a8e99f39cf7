package recommend

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/yanqian/cropsense/internal/domain/crop"
	apperrors "github.com/yanqian/cropsense/pkg/errors"
)

// FallbackMessage is shown when the service gave no usable error message.
const FallbackMessage = "Failed to get recommendation"

// Client performs one recommendation round trip.
type Client interface {
	Recommend(ctx context.Context, baseURL, route string, body any) (crop.RecommendationResult, error)
}

// Route maps a flow to its recommendation route.
func Route(mode crop.Mode) string {
	if mode == crop.ModeManual {
		return "/recommend/manual"
	}
	return "/recommend/live"
}

// Orchestrator submits validated payloads and turns failures into display messages.
type Orchestrator struct {
	client Client
	logger *slog.Logger
}

// NewOrchestrator wires the submission orchestrator.
func NewOrchestrator(client Client, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client: client,
		logger: logger.With("component", "recommend.orchestrator"),
	}
}

// Submit issues exactly one call. Every failure is a service_error whose
// message is safe to show next to the form.
func (o *Orchestrator) Submit(ctx context.Context, baseURL string, req crop.RecommendationRequest) (crop.RecommendationResult, error) {
	route := Route(req.Mode)
	result, err := o.client.Recommend(ctx, baseURL, route, req.Body())
	if err != nil {
		message := displayMessage(err)
		o.logger.Warn("recommendation failed", "route", route, "message", message, "error", err)
		return crop.RecommendationResult{}, apperrors.Wrap(apperrors.CodeServiceError, message, err)
	}
	if strings.TrimSpace(result.RecommendedCrop) == "" {
		o.logger.Warn("recommendation response missing crop", "route", route)
		return crop.RecommendationResult{}, apperrors.Wrap(apperrors.CodeServiceError, FallbackMessage, nil)
	}
	o.logger.Info("recommendation received", "route", route, "crop", result.RecommendedCrop)
	return result, nil
}

func displayMessage(err error) string {
	var serverErr *crop.ServerError
	if errors.As(err, &serverErr) {
		if msg := strings.TrimSpace(serverErr.Message); msg != "" {
			return msg
		}
	}
	return FallbackMessage
}
