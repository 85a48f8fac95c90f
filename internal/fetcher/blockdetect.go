package fetcher

import (
	"bytes"
	"net/http"

	"github.com/rotisserie/eris"
)

// ErrBlocked is returned when a response is an anti-bot interstitial rather
// than the requested document. It is transient: challenges usually clear.
var ErrBlocked = eris.New("fetch blocked by anti-bot protection")

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// challengeScanBytes bounds how much of a body is searched for markers;
// interstitials put them near the top.
const challengeScanBytes = 16 << 10

// DetectBlock checks a response for signs of anti-bot protection.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-mitigated") != "" || header.Get("server") == "cloudflare" {
			return true, BlockCloudflare
		}
	}

	head := body
	if len(head) > challengeScanBytes {
		head = head[:challengeScanBytes]
	}
	lower := bytes.ToLower(head)

	if bytes.Contains(lower, []byte("checking your browser")) ||
		bytes.Contains(lower, []byte("cf-browser-verification")) ||
		bytes.Contains(lower, []byte("cf-challenge")) {
		return true, BlockCloudflare
	}

	if bytes.Contains(lower, []byte("g-recaptcha")) || bytes.Contains(lower, []byte("h-captcha")) {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("javascript")) {
			return true, BlockJSShell
		}
		if bytes.Contains(lower, []byte(`meta http-equiv="refresh"`)) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
