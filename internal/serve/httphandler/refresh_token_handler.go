package httphandler

import (
	"errors"
	"net/http"

	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/middleware"
	"github.com/tensorgrid/tensorgrid-backend/pkg/auth"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpjson"
)

type RefreshTokenHandler struct {
	AuthManager auth.AuthManager
}

func (h RefreshTokenHandler) PostRefreshToken(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	token, err := middleware.GetTokenFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", nil, nil).Render(rw)
		return
	}

	refreshedToken, err := h.AuthManager.RefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			httperror.BadRequest("", err, map[string]interface{}{"token": "token is invalid"}).Render(rw)
			return
		}

		httperror.InternalError(ctx, "Cannot refresh user token", err, nil).Render(rw)
		return
	}

	httpjson.RenderStatus(rw, http.StatusOK, map[string]string{"token": refreshedToken}, httpjson.JSON)
}
