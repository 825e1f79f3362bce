package httphandler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tensorgrid/tensorgrid-backend/internal/objectstore"
)

type mockUploadURLPresigner struct {
	mock.Mock
}

func (m *mockUploadURLPresigner) PresignUpload(ctx context.Context, fileType objectstore.FileType, taskID string) (*objectstore.PresignedUpload, error) {
	args := m.Called(ctx, fileType, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*objectstore.PresignedUpload), args.Error(1)
}

func Test_UploadURLRequest_validate(t *testing.T) {
	testCases := []struct {
		name    string
		request UploadURLRequest
		wantOK  bool
	}{
		{name: "missing task_id", request: UploadURLRequest{FileType: 0}, wantOK: false},
		{name: "file_type out of range", request: UploadURLRequest{TaskID: "task-1", FileType: 7}, wantOK: false},
		{name: "model upload", request: UploadURLRequest{TaskID: "task-1", FileType: 0}, wantOK: true},
		{name: "output upload", request: UploadURLRequest{TaskID: "task-1", FileType: 2}, wantOK: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			httpErr := tc.request.validate()
			if tc.wantOK {
				assert.Nil(t, httpErr)
			} else {
				assert.NotNil(t, httpErr)
			}
		})
	}
}

func Test_UploadURLHandler_ServeHTTP(t *testing.T) {
	t.Run("returns the presigned slot", func(t *testing.T) {
		presignerMock := &mockUploadURLPresigner{}
		presignerMock.
			On("PresignUpload", mock.Anything, objectstore.FileTypeInput, "task-1").
			Return(&objectstore.PresignedUpload{
				UploadURL: "https://bucket.s3.amazonaws.com/inputs/task-1?sig=abc",
				ReadURL:   "https://bucket.s3.amazonaws.com/inputs/task-1?sig=def",
				ObjectKey: "inputs/task-1",
				ExpiresAt: time.Now().Add(15 * time.Minute),
			}, nil).
			Once()
		handler := UploadURLHandler{Presigner: presignerMock}

		req := httptest.NewRequest(http.MethodPost, "/api/tasks/upload-url", strings.NewReader(`{"task_id": "task-1", "file_type": 1}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"objectKey": "inputs/task-1"`)
		presignerMock.AssertExpectations(t)
	})

	t.Run("invalid file type returns 400", func(t *testing.T) {
		handler := UploadURLHandler{Presigner: &mockUploadURLPresigner{}}

		req := httptest.NewRequest(http.MethodPost, "/api/tasks/upload-url", strings.NewReader(`{"task_id": "task-1", "file_type": 9}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
