package httphandler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tensorgrid/tensorgrid-backend/internal/objectstore"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/validators"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpdecode"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpjson"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// UploadURLPresigner is the slice of the object store the handler needs.
type UploadURLPresigner interface {
	PresignUpload(ctx context.Context, fileType objectstore.FileType, taskID string) (*objectstore.PresignedUpload, error)
}

// UploadURLHandler issues presigned S3 PUT slots for task artifacts.
type UploadURLHandler struct {
	Presigner UploadURLPresigner
}

type UploadURLRequest struct {
	TaskID   string `json:"task_id"`
	FileType int    `json:"file_type"`
}

func (r UploadURLRequest) validate() *httperror.HTTPError {
	validator := validators.NewValidator()

	validator.Check(r.TaskID != "", "task_id", "task_id is required")
	validator.CheckError(objectstore.FileType(r.FileType).Validate(), "file_type", "file_type must be 0 (model), 1 (input) or 2 (output)")

	if validator.HasErrors() {
		return httperror.BadRequest("Request invalid", nil, validator.Errors)
	}

	return nil
}

func (h UploadURLHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var reqBody UploadURLRequest
	if err := httpdecode.DecodeJSON(req, &reqBody); err != nil {
		err = fmt.Errorf("decoding the request body: %w", err)
		log.Ctx(ctx).Error(err)
		httperror.BadRequest("", err, nil).Render(rw)
		return
	}

	if httpErr := reqBody.validate(); httpErr != nil {
		httpErr.Render(rw)
		return
	}

	upload, err := h.Presigner.PresignUpload(ctx, objectstore.FileType(reqBody.FileType), reqBody.TaskID)
	if err != nil {
		httperror.InternalError(ctx, "Cannot presign upload URL", err, nil).Render(rw)
		return
	}

	httpjson.RenderStatus(rw, http.StatusOK, upload, httpjson.JSON)
}
