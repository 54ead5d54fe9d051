package drover_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rlch/drover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKind_Valid(t *testing.T) {
	for _, k := range drover.Kinds {
		assert.True(t, k.Valid(), k)
	}

	assert.False(t, drover.ErrorKind("NOPE").Valid())
}

func TestError_Format(t *testing.T) {
	err := &drover.Error{Kind: drover.KindScript, Message: "unexpected token", Line: 3, Column: 7}
	assert.Equal(t, "SCRIPT_ERROR at 3:7: unexpected token", err.Error())

	err = drover.Errorf(drover.KindTimeout, "waited %s", "5s")
	assert.Equal(t, "TIMEOUT: waited 5s", err.Error())
}

func TestError_IsAndAs(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("redis.get: %w", drover.WrapError(drover.KindConnection, cause))

	assert.ErrorIs(t, err, &drover.Error{Kind: drover.KindConnection})
	assert.NotErrorIs(t, err, &drover.Error{Kind: drover.KindTimeout})
	assert.ErrorIs(t, err, cause)

	var de *drover.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, drover.KindConnection, de.Kind)
}

func TestCapabilities(t *testing.T) {
	caps := drover.Capabilities{"browser": "firefox", "version": 120}

	clone := caps.Clone()
	clone["browser"] = "chrome"

	assert.Equal(t, "firefox", caps.String("browser"))
	assert.Equal(t, "120", caps.String("version"))
	assert.Equal(t, "browser=firefox,version=120", caps.Label())
	assert.Equal(t, "default", drover.Capabilities(nil).Label())
	assert.Equal(t, "ci", drover.Capabilities{"name": "ci"}.Label())

	k, v, err := drover.ParseCapability("platform = linux")
	require.NoError(t, err)
	assert.Equal(t, "platform", k)
	assert.Equal(t, "linux", v)

	_, _, err = drover.ParseCapability("nonsense")
	require.ErrorIs(t, err, drover.ErrInvalidSuite)
}
