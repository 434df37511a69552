package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/models"
)

func TestGetFile_FetchesUnknownFile(t *testing.T) {
	fx := newFixture(t)
	fx.remote.files["file-1"] = "Landing Page"

	rec := fx.do(t, http.MethodGet, "/api/files/file-1", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	file := decode(t, rec)["file"].(map[string]any)
	assert.Equal(t, "Landing Page", file["name"])
	assert.Equal(t, "team-1", file["teamId"])

	stored, err := fx.repos.Files.Get(context.Background(), "file-1")
	require.NoError(t, err)
	require.NotNil(t, stored.OwnerUserID)
	assert.Equal(t, fx.ann.ID, *stored.OwnerUserID)
}

func TestGetFile_UnknownUpstream(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/files/missing", fx.annToken, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream", decode(t, rec)["kind"])
}

func TestGetFile_PlaceholderKeptWhenRefreshFails(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.repos.Files.Ensure(context.Background(), "file-1", "")
	require.NoError(t, err)

	rec := fx.do(t, http.MethodGet, "/api/files/file-1", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.UnknownFileName, decode(t, rec)["file"].(map[string]any)["name"])

	fx.remote.files["file-1"] = "Checkout"
	rec = fx.do(t, http.MethodGet, "/api/files/file-1", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Checkout", decode(t, rec)["file"].(map[string]any)["name"])
}

func TestUserFiles(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/user/files", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["files"])

	_, err := fx.repos.Files.Ensure(context.Background(), "file-1", "Landing")
	require.NoError(t, err)
	rec = fx.do(t, http.MethodGet, "/api/comments/file-1", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/user/files", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode(t, rec)["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "file-1", files[0].(map[string]any)["fileKey"])
	assert.Equal(t, "admin", files[0].(map[string]any)["permissionLevel"])
}

func TestSyncFile(t *testing.T) {
	fx := newFixture(t)
	fx.seedComment(t, "stale", "file-1", nil, testNow.Add(-time.Hour))
	fx.remote.comments = []figma.Comment{
		{ID: "fresh", FileKey: "file-1", Message: "new", User: figma.User{Handle: "bob"}, CreatedAt: testNow},
	}

	rec := fx.do(t, http.MethodPost, "/api/files/file-1/sync", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["upserted"])
	assert.EqualValues(t, 1, body["deleted"])

	rec = fx.do(t, http.MethodGet, "/api/files/file-1/stats", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode(t, rec)["stats"])
}

func TestGrantPermission(t *testing.T) {
	fx := newFixture(t)
	path := "/api/files/file-1/permissions"

	// ann becomes admin by visiting first
	rec := fx.do(t, http.MethodGet, "/api/comments/file-1", fx.annToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodPost, path, fx.bobToken, map[string]string{"userHandle": "ann", "permissionLevel": "read"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, http.MethodPost, path, fx.annToken, map[string]string{"userHandle": "nobody", "permissionLevel": "write"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(t, http.MethodPost, path, fx.annToken, map[string]string{"userHandle": "bob", "permissionLevel": "owner"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, path, fx.annToken, map[string]string{"userHandle": " bob ", "permissionLevel": "write"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Granted write permission to bob", decode(t, rec)["message"])

	level, err := fx.repos.Permissions.Level(context.Background(), fx.bob.ID, "file-1")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionWrite, level)

	rec = fx.do(t, http.MethodPost, "/api/comments/file-1", fx.bobToken, map[string]any{"message": "now I can"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSessionNode(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPut, "/api/session/node", fx.annToken, map[string]string{"nodeId": "1:2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPut, "/api/session/node", fx.annToken, map[string]string{"nodeId": "1:2", "fileKey": "file-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1:2", decode(t, rec)["nodeId"])

	sess, err := fx.sessions.Validate(context.Background(), fx.annToken)
	require.NoError(t, err)
	require.NotNil(t, sess.CurrentNodeID)
	assert.Equal(t, "1:2", *sess.CurrentNodeID)
}
