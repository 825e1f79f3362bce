package httphandler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/middleware"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/validators"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpdecode"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpjson"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// APIKeyHandler manages server-to-server intake keys. The raw key appears in
// exactly one response: the creation one.
type APIKeyHandler struct {
	Models *data.Models
}

type CreateAPIKeyRequest struct {
	Name       string     `json:"name"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

func (h APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(w)
		return
	}

	var req CreateAPIKeyRequest
	if err = httpdecode.DecodeJSON(r, &req); err != nil {
		httperror.BadRequest("Invalid request body", err, nil).Render(w)
		return
	}

	v := validators.NewValidator()
	v.Check(req.Name != "", "name", "name is required")
	if req.ExpiryDate != nil && req.ExpiryDate.Before(time.Now()) {
		v.AddError("expiry_date", "expiry date must be in the future")
	}
	if v.HasErrors() {
		httperror.BadRequest("Request invalid", nil, v.Errors).Render(w)
		return
	}

	apiKey, err := h.Models.APIKeys.Insert(ctx, userID, req.Name, req.ExpiryDate)
	if err != nil {
		httperror.InternalError(ctx, "Cannot create API key", err, nil).Render(w)
		return
	}

	log.Ctx(ctx).Infof("[CreateAPIKey] - Created API key %s (%s)", apiKey.ID, apiKey.Name)
	httpjson.RenderStatus(w, http.StatusCreated, apiKey, httpjson.JSON)
}

func (h APIKeyHandler) GetAPIKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(w)
		return
	}

	apiKeys, err := h.Models.APIKeys.GetAllByUserID(ctx, userID)
	if err != nil {
		httperror.InternalError(ctx, "Cannot retrieve API keys", err, nil).Render(w)
		return
	}

	httpjson.RenderStatus(w, http.StatusOK, apiKeys, httpjson.JSON)
}

func (h APIKeyHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(w)
		return
	}

	apiKeyID := chi.URLParam(r, "id")

	err = h.Models.APIKeys.Delete(ctx, apiKeyID, userID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			httperror.NotFound(fmt.Sprintf("API key %s not found", apiKeyID), err, nil).Render(w)
			return
		}
		httperror.InternalError(ctx, "Cannot delete API key", err, nil).Render(w)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
