package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindConflict, "uidNumber collision", errors.New("duplicate"))

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestErrorStringIncludesKindMessageAndCause(t *testing.T) {
	err := New(KindNotFound, "cluster not found")
	assert.Equal(t, "not_found: cluster not found", err.Error())

	wrapped := Wrap(KindInternal, "vault I/O", errors.New("disk full"))
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestHelperConstructors(t *testing.T) {
	assert.Equal(t, KindBadRequest, KindOf(BadRequest("missing field %s", "uid")))
	assert.Equal(t, KindServiceUnavailable, KindOf(ServiceUnavailable("node 0 unreachable")))
	assert.Equal(t, KindAuthFailed, KindOf(AuthFailed("bind rejected")))
}
