package fetch

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultMaxChars = 20000

	userAgent = "CookbookFactory/1.0 (+contact@example.com)"
)

// Fetcher retrieves the HTML document behind a URL.
type Fetcher interface {
	HTML(ctx context.Context, url string) (string, error)
}

type Kind string

const (
	KindStatic  Kind = "static"
	KindBrowser Kind = "browser"
)

// New builds a fetcher of the requested kind. Static is the default: most
// recipe sites serve server-rendered markup and do not need a headless
// browser.
func New(kind Kind, timeout time.Duration, retries int) (Fetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch kind {
	case KindStatic, "":
		return NewStatic(timeout, retries), nil
	case KindBrowser:
		return &Browser{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unsupported fetcher kind %q", kind)
	}
}
