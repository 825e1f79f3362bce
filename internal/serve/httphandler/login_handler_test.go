package httphandler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/pkg/auth"
)

func Test_LoginRequest_validate(t *testing.T) {
	testCases := []struct {
		name       string
		request    LoginRequest
		wantErrors map[string]interface{}
	}{
		{
			name:    "both fields missing",
			request: LoginRequest{},
			wantErrors: map[string]interface{}{
				"email":    "email is required",
				"password": "password is required",
			},
		},
		{
			name:       "password missing",
			request:    LoginRequest{Email: "user@tensorgrid.test"},
			wantErrors: map[string]interface{}{"password": "password is required"},
		},
		{
			name:    "valid request",
			request: LoginRequest{Email: "user@tensorgrid.test", Password: "secret"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			httpErr := tc.request.validate()
			if tc.wantErrors == nil {
				assert.Nil(t, httpErr)
			} else {
				require.NotNil(t, httpErr)
				assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
				assert.Equal(t, tc.wantErrors, httpErr.Extras)
			}
		})
	}
}

func Test_LoginHandler_ServeHTTP(t *testing.T) {
	t.Run("malformed body returns 400", func(t *testing.T) {
		handler := LoginHandler{AuthManager: &auth.AuthManagerMock{}}

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("not-json"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid credentials return 401", func(t *testing.T) {
		authManagerMock := &auth.AuthManagerMock{}
		authManagerMock.
			On("Authenticate", mock.Anything, "user@tensorgrid.test", "wrong").
			Return("", auth.ErrInvalidCredentials).
			Once()
		handler := LoginHandler{AuthManager: authManagerMock}

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"user@tensorgrid.test","password":"wrong"}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error": "Not authorized.", "extras": {"details": "Incorrect email or password"}}`, rr.Body.String())
		authManagerMock.AssertExpectations(t)
	})

	t.Run("unexpected error returns 500", func(t *testing.T) {
		authManagerMock := &auth.AuthManagerMock{}
		authManagerMock.
			On("Authenticate", mock.Anything, "user@tensorgrid.test", "secret").
			Return("", errors.New("db on fire")).
			Once()
		handler := LoginHandler{AuthManager: authManagerMock}

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"user@tensorgrid.test","password":"secret"}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		authManagerMock.AssertExpectations(t)
	})

	t.Run("successful login returns the token", func(t *testing.T) {
		authManagerMock := &auth.AuthManagerMock{}
		authManagerMock.
			On("Authenticate", mock.Anything, "user@tensorgrid.test", "secret").
			Return("token123", nil).
			Once()
		handler := LoginHandler{AuthManager: authManagerMock}

		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"user@tensorgrid.test","password":"secret"}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"token": "token123"}`, rr.Body.String())
		authManagerMock.AssertExpectations(t)
	})
}
