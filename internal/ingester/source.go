package ingester

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// followPollInterval is how long a tailing file source waits at EOF before
// probing for appended lines.
const followPollInterval = 500 * time.Millisecond

// openSource resolves the stream source: "-" is stdin, http(s) URLs are
// consumed as a streaming GET body, anything else is a file path. With follow
// set, a file source keeps polling for appended lines instead of ending at
// EOF, the way tail -f does.
func openSource(ctx context.Context, source string, follow bool) (io.ReadCloser, error) {
	switch {
	case source == "-":
		return io.NopCloser(os.Stdin), nil

	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return resp.Body, nil

	default:
		f, err := os.Open(source)
		if err != nil {
			return nil, err
		}
		if !follow {
			return f, nil
		}
		return &tailReader{ctx: ctx, f: f, interval: followPollInterval}, nil
	}
}

// tailReader turns EOF into a poll-and-retry until the context is cancelled.
type tailReader struct {
	ctx      context.Context
	f        *os.File
	interval time.Duration
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 || err != io.EOF {
			return n, err
		}
		select {
		case <-t.ctx.Done():
			return 0, io.EOF
		case <-time.After(t.interval):
		}
	}
}

func (t *tailReader) Close() error {
	return t.f.Close()
}
