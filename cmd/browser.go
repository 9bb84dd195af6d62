package cmd

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/conneroisu/livepreview/internal/validation"
)

// browserCommand returns the platform command that opens url.
func browserCommand(goos, url string) (*exec.Cmd, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	case "darwin":
		return exec.Command("open", url), nil
	default:
		return nil, fmt.Errorf("unsupported platform %s", goos)
	}
}

// openBrowser opens url in the default browser. The URL is validated first
// since it is handed to a system command.
func openBrowser(url string) error {
	if err := validation.ValidateURL(url); err != nil {
		return fmt.Errorf("refusing to open browser: %w", err)
	}
	c, err := browserCommand(runtime.GOOS, url)
	if err != nil {
		return err
	}
	return c.Start()
}
