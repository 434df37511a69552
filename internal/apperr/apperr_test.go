package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("comments.thread", "comment not found"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindAuthentication: http.StatusUnauthorized,
		KindAuthorization:  http.StatusForbidden,
		KindUpstream:       http.StatusBadGateway,
		KindValidation:     http.StatusBadRequest,
		KindNotFound:       http.StatusNotFound,
		KindInternal:       http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), kind.String())
	}
}

func TestWrap_KeepsExistingKind(t *testing.T) {
	inner := Authorization("perm", "write access required")
	err := Wrap(KindInternal, "outer", inner)
	assert.Equal(t, KindAuthorization, KindOf(err))
	assert.Nil(t, Wrap(KindInternal, "outer", nil))
}

func TestPublicMessage_HidesInternalDetail(t *testing.T) {
	err := Internal("db", errors.New("pq: relation does not exist"))
	assert.Equal(t, "internal server error", PublicMessage(err, false))
	assert.Contains(t, PublicMessage(err, true), "relation does not exist")

	plain := errors.New("secret detail")
	assert.Equal(t, "internal server error", PublicMessage(plain, false))
}

func TestPublicMessage_UpstreamCarriesDetail(t *testing.T) {
	err := Upstream("figma.comments", 403, errors.New("Invalid token"))
	assert.Equal(t, 403, err.UpstreamStatus)
	assert.Equal(t, "upstream request failed with status 403: Invalid token", PublicMessage(err, false))
}
