package withings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/tbrandt/withings2icu/internal/errs"
)

type callbackResult struct {
	code string
	err  error
}

// Authorize runs the interactive authorization-code flow: it prints the
// consent URL to prompt, listens on the redirect URI's host for a single
// callback, verifies the state nonce, and exchanges the received code for
// the initial token pair. It blocks until the callback arrives or ctx is
// cancelled. The redirect URI must therefore point at an address this
// process can bind, typically http://localhost:8080/callback.
func (c *Client) Authorize(ctx context.Context, prompt io.Writer) (Token, error) {
	u, err := url.Parse(c.creds.RedirectURI)
	if err != nil || u.Host == "" {
		return Token{}, fmt.Errorf("%w: redirect URI %q is not a listenable address", errs.ErrConfig, c.creds.RedirectURI)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	state := uuid.Must(uuid.NewV4()).String()

	// Only the first callback counts; extra requests get a response but are
	// otherwise ignored.
	results := make(chan callbackResult, 1)
	report := func(res callbackResult) {
		select {
		case results <- res:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "Authorization denied. You can close this window.", http.StatusBadRequest)
			report(callbackResult{err: fmt.Errorf("authorization denied by provider: %s", q.Get("error"))})
		case q.Get("state") != state:
			http.Error(w, "State mismatch. You can close this window.", http.StatusBadRequest)
			report(callbackResult{err: errors.New("state mismatch in authorization callback")})
		case q.Get("code") == "":
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			report(callbackResult{err: errors.New("authorization callback carried no code")})
		default:
			fmt.Fprintln(w, "Authorization received. You can close this window.")
			report(callbackResult{code: q.Get("code")})
		}
	})

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return Token{}, fmt.Errorf("listening on %s for the authorization callback: %w", u.Host, err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(prompt, "Open this URL in your browser to authorize access:\n\n  %s\n\nWaiting for the callback on %s ...\n", c.AuthCodeURL(state), u.Host)
	c.log.Info("waiting for authorization callback", zap.String("addr", u.Host))

	select {
	case res := <-results:
		if res.err != nil {
			return Token{}, res.err
		}
		return c.Exchange(ctx, res.code)
	case <-ctx.Done():
		return Token{}, fmt.Errorf("authorization flow aborted: %w", ctx.Err())
	}
}
