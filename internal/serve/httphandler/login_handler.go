package httphandler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/validators"
	"github.com/tensorgrid/tensorgrid-backend/pkg/auth"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpdecode"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpjson"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) validate() *httperror.HTTPError {
	validator := validators.NewValidator()

	validator.Check(r.Email != "", "email", "email is required")
	validator.Check(r.Password != "", "password", "password is required")

	if validator.HasErrors() {
		return httperror.BadRequest("Request invalid", nil, validator.Errors)
	}

	return nil
}

type LoginResponse struct {
	Token string `json:"token"`
}

type LoginHandler struct {
	AuthManager auth.AuthManager
}

func (h LoginHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var reqBody LoginRequest
	if err := httpdecode.DecodeJSON(req, &reqBody); err != nil {
		err = fmt.Errorf("decoding the request body: %w", err)
		log.Ctx(ctx).Error(err)
		httperror.BadRequest("", err, nil).Render(rw)
		return
	}

	if err := reqBody.validate(); err != nil {
		err.Render(rw)
		return
	}

	token, err := h.AuthManager.Authenticate(ctx, reqBody.Email, reqBody.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httperror.Unauthorized("", err, map[string]interface{}{
				"details": "Incorrect email or password",
			}).Render(rw)
			return
		}

		httperror.InternalError(ctx, "Cannot authenticate user credentials", err, nil).Render(rw)
		return
	}

	log.Ctx(ctx).Infof("[UserLogin] - Logged in user with email %s", reqBody.Email)
	httpjson.RenderStatus(rw, http.StatusOK, LoginResponse{Token: token}, httpjson.JSON)
}
