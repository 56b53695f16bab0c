package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"PaperDigest/internal/domain"
)

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

type voteRequest struct {
	UserID          string `json:"user_id"`
	PaperID         string `json:"paper_id"`
	PromptVersionID string `json:"prompt_version_id"`
	Vote            string `json:"vote"`
}

type voteResponse struct {
	Seq    int64     `json:"seq"`
	Vote   string    `json:"vote"`
	CastAt time.Time `json:"cast_at"`
}

type itemResponse struct {
	PaperID         string   `json:"paper_id"`
	PromptVersionID string   `json:"prompt_version_id"`
	Title           string   `json:"title"`
	Authors         []string `json:"authors"`
	Link            string   `json:"link,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Confidence      float64  `json:"confidence"`
}

type batchResponse struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Period      string         `json:"period"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Items       []itemResponse `json:"items"`
}

type sentResponse struct {
	BatchID string `json:"batch_id"`
	Changed bool   `json:"changed"`
}

type suggestionResponse struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	Pattern         string   `json:"pattern"`
	Evidence        string   `json:"evidence,omitempty"`
	Confidence      float64  `json:"confidence"`
	SuggestedText   string   `json:"suggested_text"`
	ExamplePaperIDs []string `json:"example_paper_ids"`
	Status          string   `json:"status"`
}

func (h *handlers) health(c echo.Context) error {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) recordVote(c echo.Context) error {
	var req voteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	value, err := domain.ParseVoteValue(req.Vote)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	vote := domain.Vote{
		UserID:          req.UserID,
		PaperID:         req.PaperID,
		PromptVersionID: req.PromptVersionID,
		Value:           value,
	}

	stored, err := h.deps.Votes.Record(c.Request().Context(), vote)
	if err != nil {
		return h.fail(c, "record vote", err)
	}
	return c.JSON(http.StatusCreated, voteResponse{Seq: stored.Seq, Vote: string(stored.Value), CastAt: stored.CastAt})
}

func (h *handlers) unsentBatch(c echo.Context) error {
	key := domain.PeriodKey(c.Param("period"))
	if _, _, _, err := key.Bounds(time.UTC); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	batch, err := h.deps.Batches.UnsentBatch(c.Request().Context(), c.Param("user"), key)
	if err != nil {
		return h.fail(c, "load batch", err)
	}
	if batch == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no unsent batch")
	}
	return c.JSON(http.StatusOK, toBatchResponse(*batch))
}

func (h *handlers) markSent(c echo.Context) error {
	id := c.Param("id")
	changed, err := h.deps.Batches.MarkSent(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "mark sent", err)
	}
	return c.JSON(http.StatusOK, sentResponse{BatchID: id, Changed: changed})
}

func (h *handlers) suggestions(c echo.Context) error {
	edits, err := h.deps.Suggestions.LatestSuggestions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "load suggestions", err)
	}
	out := make([]suggestionResponse, 0, len(edits))
	for _, e := range edits {
		out = append(out, suggestionResponse{
			ID:              e.ID,
			Kind:            string(e.Kind),
			Pattern:         e.Pattern,
			Evidence:        e.Evidence,
			Confidence:      e.Confidence,
			SuggestedText:   e.SuggestedText,
			ExamplePaperIDs: e.ExamplePaperIDs,
			Status:          string(e.Status),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handlers) fail(c echo.Context, op string, err error) error {
	httpErr := mapDomainError(err)
	if httpErr.Code >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "path", c.Path(), "error", err)
	}
	return httpErr
}

// mapDomainError converts a domain error into the matching status.
func mapDomainError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConstraintViolation):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTransient):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func toBatchResponse(b domain.DeliveryBatch) batchResponse {
	items := make([]itemResponse, 0, len(b.Items))
	for _, item := range b.Items {
		items = append(items, itemResponse{
			PaperID:         item.PaperID,
			PromptVersionID: item.PromptVersionID,
			Title:           item.Title,
			Authors:         item.Authors,
			Link:            item.Link,
			Summary:         item.Summary,
			Reasoning:       item.Reasoning,
			Confidence:      item.Confidence,
		})
	}
	return batchResponse{
		ID:          b.ID,
		UserID:      b.UserID,
		Period:      string(b.PeriodKey),
		PeriodStart: b.PeriodStart,
		PeriodEnd:   b.PeriodEnd,
		Items:       items,
	}
}
