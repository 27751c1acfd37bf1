package preview

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrNoURL is returned when a dev server exits or times out before printing
// a local URL
var ErrNoURL = errors.New("dev server URL not found")

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	urlPattern  = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):\d+[^\s'"<>]*`)
)

// DetectURL returns the first local http URL printed by a dev server.
// Terminal colors are removed first, since servers often bold the port.
func DetectURL(output string) (string, bool) {
	plain := ansiPattern.ReplaceAllString(output, "")
	match := urlPattern.FindString(plain)
	if match == "" {
		return "", false
	}

	match = strings.TrimRight(match, ".,;)")
	// 0.0.0.0 and [::] are listen addresses, not something to dial
	match = strings.Replace(match, "//0.0.0.0:", "//localhost:", 1)
	match = strings.Replace(match, "//[::]:", "//localhost:", 1)
	return match, true
}

// OutputSource is the part of a background process WaitForURL needs
type OutputSource interface {
	Output() string
	Done() <-chan struct{}
}

// WaitForURL polls the process output until a URL appears. It fails early
// if the process exits.
func WaitForURL(ctx context.Context, proc OutputSource, interval time.Duration) (string, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	op := func() (string, error) {
		if url, ok := DetectURL(proc.Output()); ok {
			return url, nil
		}
		select {
		case <-proc.Done():
			return "", backoff.Permanent(fmt.Errorf("%w: dev server exited", ErrNoURL))
		default:
		}
		return "", ErrNoURL
	}

	url, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewConstantBackOff(interval)))
	if err != nil {
		if errors.Is(err, ErrNoURL) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrNoURL, err)
	}
	return url, nil
}
