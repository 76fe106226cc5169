package passphrase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"pbp/go-pbp/internal/contracts"
	"pbp/go-pbp/internal/platform/ratelimiter"

	"golang.org/x/term"
)

const (
	defaultTTY        = "/dev/tty"
	maxPromptAttempts = 3
	promptRatePerSec  = 1
	promptBurst       = 2
)

// Terminal reads passphrases from the controlling terminal, never from
// stdin, which may carry the message being processed.
type Terminal struct {
	TTYPath string
	limiter *ratelimiter.MapLimiter
}

func NewTerminal() *Terminal {
	return &Terminal{
		TTYPath: defaultTTY,
		limiter: ratelimiter.New(promptRatePerSec, promptBurst, time.Minute),
	}
}

func (t *Terminal) Passphrase(ctx context.Context, req Request) ([]byte, error) {
	path := t.TTYPath
	if path == "" {
		path = defaultTTY
	}
	tty, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: no terminal: %w", req.Purpose, contracts.ErrPassphraseRequired)
	}
	defer tty.Close()
	fd := int(tty.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s: not a terminal: %w", req.Purpose, contracts.ErrPassphraseRequired)
	}

	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		if err := t.limiter.Wait(ctx, req.Purpose); err != nil {
			return nil, err
		}
		first, err := readLine(fd, tty, fmt.Sprintf("1/2 %s passphrase: ", req.Purpose))
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(first)) == 0 {
			continue
		}
		if !req.Confirm {
			return first, nil
		}
		second, err := readLine(fd, tty, fmt.Sprintf("2/2 %s repeat passphrase: ", req.Purpose))
		if err != nil {
			wipe(first)
			return nil, err
		}
		same := bytes.Equal(first, second)
		wipe(second)
		if same {
			return first, nil
		}
		wipe(first)
		fmt.Fprintln(tty, "passphrases do not match")
	}
	return nil, fmt.Errorf("%s: %w", req.Purpose, contracts.ErrPassphraseRequired)
}

func readLine(fd int, w io.Writer, prompt string) ([]byte, error) {
	fmt.Fprint(w, prompt)
	line, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return line, nil
}
