package source

import (
	"net/http"
	"strings"
)

// BlockType identifies the kind of bot wall a page presented.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockRobotCheck BlockType = "robot_check"
)

// DetectBlock inspects a 2xx page for anti-bot interstitials that would otherwise
// show up as a parse failure.
func DetectBlock(header http.Header, body []byte) (bool, BlockType) {
	if header != nil && header.Get("cf-mitigated") == "challenge" {
		return true, BlockCloudflare
	}

	lower := strings.ToLower(string(body))
	switch {
	case strings.Contains(lower, "cf-browser-verification"),
		strings.Contains(lower, "checking your browser"),
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge"):
		return true, BlockCloudflare
	case strings.Contains(lower, "captcha"):
		return true, BlockCaptcha
	case strings.Contains(lower, "robot check"),
		strings.Contains(lower, "are you a human"),
		strings.Contains(lower, "unusual traffic"):
		return true, BlockRobotCheck
	}
	return false, BlockNone
}
