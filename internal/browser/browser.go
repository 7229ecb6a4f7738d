// Package browser opens the application in the user's browser.
package browser

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
)

type Opener interface {
	Open(ctx context.Context, url string) error
}

// DetectOpener picks the system command that opens URLs. Without one it
// falls back to logging the URL.
func DetectOpener() Opener {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{"open"}
	case "linux", "freebsd", "openbsd", "netbsd":
		candidates = []string{"xdg-open", "wslview"}
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return &CommandOpener{CommandName: path}
		}
	}
	return &LogOpener{}
}

// CommandOpener runs CommandName with the URL as its only argument.
type CommandOpener struct {
	CommandName string
}

func (o *CommandOpener) Open(ctx context.Context, url string) error {
	if err := exec.CommandContext(ctx, o.CommandName, url).Run(); err != nil {
		return fmt.Errorf("failed to run '%s': %w", o.CommandName, err)
	}
	return nil
}

type LogOpener struct{}

func (o *LogOpener) Open(ctx context.Context, url string) error {
	logging.FromContext(ctx).WithField("url", url).Info("open this URL in a browser to continue")
	return nil
}
