package app

import (
	"fmt"
	"runtime"
)

// Version is the current version of tutorchat.
const Version = "0.4.0"

// UserAgent identifies the client on the websocket handshake and API calls.
func UserAgent() string {
	return fmt.Sprintf("tutorchat/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
