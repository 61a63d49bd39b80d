package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/repository/postgres"
	"github.com/nkiryanov/authkeeper/internal/service/auth"
	"github.com/nkiryanov/authkeeper/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/authkeeper/internal/testutil"
)

func Test_Router(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	// Run http server with the full router on top of production AuthService
	withTx := func(dbpool *pgxpool.Pool, t *testing.T, fn func(url string, s *auth.AuthService)) {
		testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)

			tokenManager, err := tokenmanager.New(tokenmanager.Config{SecretKey: "test-secret"}, storage)
			require.NoError(t, err, "token manager should be created without errors")

			s, err := auth.NewService(auth.Config{}, tokenManager, storage)
			require.NoError(t, err, "auth service starting error", err)

			srv := httptest.NewServer(NewRouter(s, logger.NewNoOpLogger()))
			defer srv.Close()

			fn(srv.URL, s)
		})
	}

	// Fire a request with optional refresh cookie and bearer token
	do := func(t *testing.T, method string, url string, body string, cookie *http.Cookie, bearer string) (*http.Response, string) {
		t.Helper()

		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, url, reader)
		require.NoError(t, err)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		if cookie != nil {
			req.AddCookie(cookie)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		respBody, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck

		return resp, string(respBody)
	}

	refreshCookie := func(t *testing.T, resp *http.Response) *http.Cookie {
		t.Helper()
		for _, c := range resp.Cookies() {
			if c.Name == "refreshtoken" {
				return c
			}
		}
		t.Fatal("no refresh cookie in response")
		return nil
	}

	bearerToken := func(t *testing.T, resp *http.Response) string {
		t.Helper()
		header := resp.Header.Get("Authorization")
		access, found := strings.CutPrefix(header, "Bearer ")
		require.True(t, found, "Authorization header should carry the Bearer scheme")
		return access
	}

	register := func(t *testing.T, url string, email string) *http.Response {
		t.Helper()
		resp, body := do(t, "POST", url+"/api/auth/register", `{"email": "`+email+`", "password": "StrongEnoughPassword"}`, nil, "")
		require.Equalf(t, http.StatusOK, resp.StatusCode, "register should pass. Body: %s", body)
		return resp
	}

	t.Run("register ok", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			resp, body := do(t, "POST", url+"/api/auth/register", `{"email": "nk@example.com", "password": "StrongEnoughPassword"}`, nil, "")

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `{"message": "User registered successfully"}`, body)

			cookie := refreshCookie(t, resp)
			require.NotEmpty(t, cookie.Value, "refresh cookie should not be empty")
			require.True(t, cookie.HttpOnly, "refresh cookie should be HttpOnly")
			require.Equal(t, "/", cookie.Path, "refresh cookie should be available on / path")
			require.Equal(t, http.SameSiteStrictMode, cookie.SameSite, "refresh cookie should be SameSite Strict")
			require.InDelta(t, (7 * 24 * time.Hour).Seconds(), cookie.MaxAge, 5, "max age should be refresh TTL")

			require.NotEmpty(t, bearerToken(t, resp))
		})
	})

	t.Run("register validation", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			tests := []struct {
				name string
				data string
			}{
				{name: "not an email", data: `{"email": "not-an-email", "password": "StrongEnoughPassword"}`},
				{name: "short password", data: `{"email": "nk@example.com", "password": "short"}`},
				{name: "missing fields", data: `{}`},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					resp, body := do(t, "POST", url+"/api/auth/register", tt.data, nil, "")

					require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "Body: %s", body)
					require.Contains(t, body, "validation_failed")
				})
			}
		})
	})

	t.Run("register taken email", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			register(t, url, "nk@example.com")

			resp, body := do(t, "POST", url+"/api/auth/register", `{"email": "nk@example.com", "password": "StrongEnoughPassword"}`, nil, "")

			require.Equalf(t, http.StatusConflict, resp.StatusCode, "Body: %s", body)
			require.JSONEq(t, `{"error": "service_error", "message": "User already exists"}`, body)
		})
	})

	t.Run("login ok", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			register(t, url, "nk@example.com")

			resp, body := do(t, "POST", url+"/api/auth/login", `{"email": "nk@example.com", "password": "StrongEnoughPassword"}`, nil, "")

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `{"message": "User logged in successfully"}`, body)
			require.InDelta(t, (7 * 24 * time.Hour).Seconds(), refreshCookie(t, resp).MaxAge, 5)
		})
	})

	t.Run("login remember me stretches cookie", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			register(t, url, "nk@example.com")

			resp, body := do(t, "POST", url+"/api/auth/login", `{"email": "nk@example.com", "password": "StrongEnoughPassword", "rememberMe": true}`, nil, "")

			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)
			require.InDelta(t, (30 * 24 * time.Hour).Seconds(), refreshCookie(t, resp).MaxAge, 5)
		})
	})

	t.Run("login failed", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			register(t, url, "nk@example.com")

			resp, body := do(t, "POST", url+"/api/auth/login", `{"email": "nk@example.com", "password": "WrongPassword"}`, nil, "")

			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `{"error": "service_error", "message": "Invalid email or password"}`, body)
			require.Equal(t, 0, len(resp.Cookies()), "no cookies should be set on login error")
			require.NotContains(t, resp.Header, "Authorization", "Authorization header should not be set")
		})
	})

	t.Run("refresh ok", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			cookie := refreshCookie(t, register(t, url, "nk@example.com"))

			resp, body := do(t, "POST", url+"/api/auth/refresh", "", cookie, "")

			require.Equalf(t, http.StatusOK, resp.StatusCode, "not expected code. Body: %s", body)
			require.JSONEq(t, `{"message": "Tokens refreshed successfully"}`, body)
			require.NotEqual(t, cookie.Value, refreshCookie(t, resp).Value, "refresh must hand out a new secret")
		})
	})

	t.Run("refresh replay is rejected and kills the session", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			cookie := refreshCookie(t, register(t, url, "nk@example.com"))

			resp, _ := do(t, "POST", url+"/api/auth/refresh", "", cookie, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			fresh := refreshCookie(t, resp)

			// Replay the old cookie
			resp, body := do(t, "POST", url+"/api/auth/refresh", "", cookie, "")
			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "Body: %s", body)
			require.JSONEq(t, `{"error": "service_error", "message": "Invalid refresh token"}`, body)

			// The fresh cookie went down with the family
			resp, body = do(t, "POST", url+"/api/auth/refresh", "", fresh, "")
			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "Body: %s", body)
			require.JSONEq(t, `{"error": "service_error", "message": "Invalid refresh token"}`, body)
		})
	})

	t.Run("refresh without cookie", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			resp, body := do(t, "POST", url+"/api/auth/refresh", "", nil, "")

			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode, "Body: %s", body)
			require.JSONEq(t, `{"error": "service_error", "message": "Invalid refresh token"}`, body)
		})
	})

	t.Run("logout", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			cookie := refreshCookie(t, register(t, url, "nk@example.com"))

			resp, body := do(t, "POST", url+"/api/auth/logout", "", cookie, "")

			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)
			require.JSONEq(t, `{"message": "User logged out successfully"}`, body)
			require.Negative(t, refreshCookie(t, resp).MaxAge, "cookie should be dropped")

			// The revoked token is useless now
			resp, _ = do(t, "POST", url+"/api/auth/refresh", "", cookie, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			// Logout again without any cookie still passes
			resp, _ = do(t, "POST", url+"/api/auth/logout", "", nil, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
		})
	})

	t.Run("logout everywhere", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			first := register(t, url, "nk@example.com")
			laptop := refreshCookie(t, first)
			access := bearerToken(t, first)

			resp, _ := do(t, "POST", url+"/api/auth/login", `{"email": "nk@example.com", "password": "StrongEnoughPassword"}`, nil, "")
			phone := refreshCookie(t, resp)

			// Requires access token
			resp, _ = do(t, "POST", url+"/api/auth/logout-all", "", nil, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			resp, body := do(t, "POST", url+"/api/auth/logout-all", "", nil, access)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)

			for _, cookie := range []*http.Cookie{laptop, phone} {
				resp, _ = do(t, "POST", url+"/api/auth/refresh", "", cookie, "")
				require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "every session should be dead")
			}
		})
	})

	t.Run("user me", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			access := bearerToken(t, register(t, url, "nk@example.com"))

			resp, body := do(t, "GET", url+"/api/user/me", "", nil, access)

			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)
			require.Contains(t, body, `"nk@example.com"`)

			resp, _ = do(t, "GET", url+"/api/user/me", "", nil, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	})

	t.Run("sessions list and revoke", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			first := register(t, url, "nk@example.com")
			laptop := refreshCookie(t, first)
			access := bearerToken(t, first)

			resp, body := do(t, "GET", url+"/api/user/sessions", "", nil, access)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)

			var sessions struct {
				Sessions []struct {
					FamilyID   string `json:"familyId"`
					DeviceInfo string `json:"deviceInfo"`
				} `json:"sessions"`
			}
			require.NoError(t, json.Unmarshal([]byte(body), &sessions))
			require.Len(t, sessions.Sessions, 1)

			// Kill the listed session
			resp, body = do(t, "DELETE", url+"/api/user/sessions/"+sessions.Sessions[0].FamilyID, "", nil, access)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)

			resp, _ = do(t, "POST", url+"/api/auth/refresh", "", laptop, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "revoked session token should not refresh")

			resp, body = do(t, "DELETE", url+"/api/user/sessions/not-a-uuid", "", nil, access)
			require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "Body: %s", body)
		})
	})

	t.Run("password change", func(t *testing.T) {
		withTx(pg.Pool, t, func(url string, s *auth.AuthService) {
			first := register(t, url, "nk@example.com")
			cookie := refreshCookie(t, first)
			access := bearerToken(t, first)

			resp, body := do(t, "POST", url+"/api/user/password", `{"currentPassword": "wrong", "newPassword": "EvenStrongerPassword"}`, nil, access)
			require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "Body: %s", body)

			resp, body = do(t, "POST", url+"/api/user/password", `{"currentPassword": "StrongEnoughPassword", "newPassword": "EvenStrongerPassword"}`, nil, access)
			require.Equalf(t, http.StatusOK, resp.StatusCode, "Body: %s", body)
			require.Negative(t, refreshCookie(t, resp).MaxAge, "cookie should be dropped")

			// Old sessions and old password are both dead
			resp, _ = do(t, "POST", url+"/api/auth/refresh", "", cookie, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			resp, _ = do(t, "POST", url+"/api/auth/login", `{"email": "nk@example.com", "password": "StrongEnoughPassword"}`, nil, "")
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			resp, _ = do(t, "POST", url+"/api/auth/login", `{"email": "nk@example.com", "password": "EvenStrongerPassword"}`, nil, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
		})
	})
}
