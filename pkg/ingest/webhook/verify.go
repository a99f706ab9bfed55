package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/fluxline/fluxline/pkg/domain"
)

// Signature headers per source.
const (
	headerGitHubSignature  = "X-Hub-Signature-256"
	headerGitLabToken      = "X-Gitlab-Token"
	headerJenkinsSignature = "X-Jenkins-Signature"
	headerGitHubEvent      = "X-GitHub-Event"
	headerGitLabEvent      = "X-Gitlab-Event"
)

// verifySignature checks the request against the configured secret using
// the source's native scheme. Unknown sources accept unconditionally. The
// returned reason is short enough to surface in a 401 body.
func verifySignature(source domain.WebhookSource, secret string, header http.Header, body []byte) (bool, string) {
	switch source {
	case domain.SourceGitHub:
		sig := header.Get(headerGitHubSignature)
		if !strings.HasPrefix(sig, "sha256=") {
			return false, "missing sha256 signature"
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(sig, "sha256="))) {
			return false, "signature mismatch"
		}
		return true, ""
	case domain.SourceGitLab:
		token := header.Get(headerGitLabToken)
		if token == "" {
			return false, "missing token"
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return false, "token mismatch"
		}
		return true, ""
	case domain.SourceJenkins:
		sig := header.Get(headerJenkinsSignature)
		if sig == "" {
			return false, "missing signature"
		}
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			return false, "signature mismatch"
		}
		return true, ""
	default:
		return true, ""
	}
}

// SignBody produces the signature header value a sender would attach; used
// by tests and by the outbound generic notifier.
func SignBody(source domain.WebhookSource, secret string, body []byte) string {
	switch source {
	case domain.SourceGitHub:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	case domain.SourceJenkins:
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	default:
		return secret
	}
}
