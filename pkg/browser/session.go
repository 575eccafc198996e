package browser

import "context"

// Runtime manages headless browser sessions.
type Runtime interface {
	NewSession(ctx context.Context, cfg SessionConfig) (BrowserSession, error)
	Close() error
}

// BrowserSession is the port implemented by browser runtime adapters. One
// instance drives one page; callers must not issue concurrent calls against
// the same session.
type BrowserSession interface {
	ID() string
	Navigate(ctx context.Context, url string) (Result, error)
	Click(ctx context.Context, selector string) (Result, error)
	TypeText(ctx context.Context, selector, text string) (Result, error)
	Extract(ctx context.Context, selector, attribute string) (Result, error)
	ExecuteScript(ctx context.Context, script string) (Result, error)
	Scroll(ctx context.Context, x, y int) (Result, error)
	Screenshot(ctx context.Context, format ScreenshotFormat) (Result, error)
	Close() error
}
