package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/auth"
)

const (
	key    = "test-key"
	issuer = "qrattend-test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueAndParse(t *testing.T) {
	pair, err := auth.Issue("p1", auth.RolePresenter, issuer, key, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := auth.Parse(pair.AccessToken, key, issuer)
	require.NoError(t, err)
	assert.Equal(t, "p1", claims.Subject)
	assert.Equal(t, auth.RolePresenter, claims.Role)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	_, err := auth.Issue("p1", "admin", issuer, key, time.Minute, time.Hour)
	assert.Error(t, err)

	_, err = auth.Issue("", auth.RoleAttendee, issuer, key, time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	pair, err := auth.Issue("s1", auth.RoleAttendee, issuer, key, time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = auth.Parse(pair.AccessToken, "other-key", issuer)
	assert.Error(t, err, "wrong key")

	_, err = auth.Parse(pair.AccessToken, key, "other-issuer")
	assert.Error(t, err, "wrong issuer")

	expired, err := auth.Issue("s1", auth.RoleAttendee, issuer, key, -time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = auth.Parse(expired.AccessToken, key, issuer)
	assert.Error(t, err, "expired")
}

func newRouter(roles ...string) *gin.Engine {
	r := gin.New()
	r.GET("/x", auth.Require(key, issuer, roles...), func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.Subject)
	})
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequire(t *testing.T) {
	presenter, err := auth.Issue("p1", auth.RolePresenter, issuer, key, time.Minute, time.Hour)
	require.NoError(t, err)
	attendee, err := auth.Issue("s1", auth.RoleAttendee, issuer, key, time.Minute, time.Hour)
	require.NoError(t, err)

	r := newRouter(auth.RolePresenter)

	w := do(r, presenter.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", w.Body.String())

	assert.Equal(t, http.StatusForbidden, do(r, attendee.AccessToken).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "garbage").Code)

	open := newRouter()
	assert.Equal(t, http.StatusOK, do(open, attendee.AccessToken).Code)
	assert.Equal(t, http.StatusUnauthorized, do(open, attendee.RefreshToken).Code)
}

func TestRequireRejectsRefreshToken(t *testing.T) {
	pair, err := auth.Issue("s1", auth.RoleAttendee, issuer, key, -time.Minute, 24*time.Hour)
	require.NoError(t, err)

	claims, err := auth.Parse(pair.RefreshToken, key, issuer)
	require.NoError(t, err)
	assert.Equal(t, auth.TypeRefresh, claims.Type)

	r := newRouter(auth.RoleAttendee)
	assert.Equal(t, http.StatusUnauthorized, do(r, pair.RefreshToken).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, pair.AccessToken).Code, "access token expired")
}
