package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solstice-io/reactorws/httpparse"
)

func validRequest() *httpparse.Request {
	h := make(httpparse.Header)
	h.Set("Host", "example.com")
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Version", "13")
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return &httpparse.Request{
		Method:  "GET",
		Target:  "/chat",
		Version: "HTTP/1.1",
		Header:  h,
	}
}

func TestValidateHandshakeComputesRFCExampleAcceptToken(t *testing.T) {
	req := validRequest()
	token, err := ValidateHandshake(req)
	require.NoError(t, err)
	// RFC 6455 §1.3 worked example.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", token)
}

func TestValidateHandshakeRejectsWrongMethod(t *testing.T) {
	req := validRequest()
	req.Method = "POST"
	_, err := ValidateHandshake(req)
	assert.ErrorIs(t, err, ErrNotGet)
}

func TestValidateHandshakeRejectsMissingUpgradeToken(t *testing.T) {
	req := validRequest()
	req.Header.Set("Upgrade", "h2c")
	_, err := ValidateHandshake(req)
	assert.ErrorIs(t, err, ErrInvalidUpgradeToken)
}

func TestValidateHandshakeRejectsBadVersion(t *testing.T) {
	req := validRequest()
	req.Header.Set("Sec-WebSocket-Version", "8")
	_, err := ValidateHandshake(req)
	assert.ErrorIs(t, err, ErrBadWebSocketVersion)
}

func TestValidateHandshakeRejectsMalformedKey(t *testing.T) {
	req := validRequest()
	req.Header.Set("Sec-WebSocket-Key", "not-base64-16-bytes")
	_, err := ValidateHandshake(req)
	assert.ErrorIs(t, err, ErrMissingWebSocketKey)
}

func TestComputeAcceptTokenMatchesDirectSHA1(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	h := sha1.New()
	h.Write([]byte(key + webSocketGUID))
	want := base64.StdEncoding.EncodeToString(h.Sum(nil))
	assert.Equal(t, want, computeAcceptToken(key))
}

func TestBuildHandshakeResponseIncludesAcceptToken(t *testing.T) {
	resp := string(BuildHandshakeResponse("abc123"))
	assert.Contains(t, resp, "HTTP/1.1 101 Switching Protocols\r\n")
	assert.Contains(t, resp, "Sec-WebSocket-Accept: abc123\r\n")
	assert.Contains(t, resp, "\r\n\r\n")
}
