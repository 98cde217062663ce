package gatewayerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFatalMatchesFatalCodesTable(t *testing.T) {
	fatal := []Code{CodeAuthFailed, CodeMissingCredentials, CodeMediaWorkerLost}
	for _, c := range fatal {
		assert.True(t, IsFatal(c), "%s must be fatal", c)
	}

	nonFatal := []Code{
		CodeNotRegistered, CodeAlreadyRegistered, CodeInvalidPhoneNumber,
		CodeIncompatibleCapabilities, CodeTransportNotFound, CodeProducerNotFound,
		CodePeerNotFound, CodeCallNotFound, CodeBusy, CodeNotEstablished,
		CodeAlreadyTerminated, CodeAlreadyConnected, CodeNoAnswer, CodeRejected,
		CodeTransportUnavailable, CodeTimeout, CodePortRangeInvalid,
		CodeWorkerSpawnFailed, CodeCodecUnsupported, CodeNotImplemented, CodeInternal,
	}
	for _, c := range nonFatal {
		assert.False(t, IsFatal(c), "%s must not be fatal", c)
	}
}

func TestIsFatalUnknownCodeIsFalse(t *testing.T) {
	assert.False(t, IsFatal(Code("not-a-real-code")))
}

func TestNewBuildsErrorWithoutDetails(t *testing.T) {
	err := New(CodeBusy, "line is busy")
	assert.Equal(t, CodeBusy, err.Code)
	assert.Equal(t, "line is busy", err.Message)
	assert.Nil(t, err.Details)
	assert.Equal(t, "busy: line is busy", err.Error())
}

func TestNewWithEmptyMessageErrorStringIsJustCode(t *testing.T) {
	err := New(CodeInternal, "")
	assert.Equal(t, "internal", err.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(CodeCallNotFound, "no call with id %q", "call-1")
	assert.Equal(t, CodeCallNotFound, err.Code)
	assert.Equal(t, `no call with id "call-1"`, err.Message)
}

func TestWithDetailsReturnsCopyLeavingOriginalUntouched(t *testing.T) {
	base := New(CodeInvalidPhoneNumber, "not E.164")
	withDetails := base.WithDetails(map[string]any{"phone": "555"})

	assert.Nil(t, base.Details)
	assert.Equal(t, map[string]any{"phone": "555"}, withDetails.Details)
	assert.Equal(t, base.Code, withDetails.Code)
}

func TestAsPassesThroughExistingError(t *testing.T) {
	orig := New(CodeNoAnswer, "nobody picked up")
	assert.Same(t, orig, As(orig))
}

func TestAsWrapsUnknownErrorAsInternal(t *testing.T) {
	got := As(errors.New("boom"))
	require.NotNil(t, got)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "boom", got.Message)
}

func TestAsNilIsNil(t *testing.T) {
	assert.Nil(t, As(nil))
}

func TestToWireCarriesCodeMessageAndDetails(t *testing.T) {
	err := New(CodeBusy, "line is busy").WithDetails(map[string]any{"queue": "q1"})
	wire := err.ToWire()
	assert.Equal(t, CodeBusy, wire.Code)
	assert.Equal(t, "line is busy", wire.Message)
	assert.Equal(t, map[string]any{"queue": "q1"}, wire.Details)
}
