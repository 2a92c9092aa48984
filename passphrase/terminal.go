package passphrase

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// readTerminal prints prompt and reads one line with echo off. SIGTSTP is
// ignored for the duration; SIGINT restores the terminal first and is then
// delivered again with the default disposition.
func (r *Reader) readTerminal(prompt string) ([]byte, error) {
	fmt.Fprint(r.out, prompt)

	fd := int(r.in.Fd())
	if !term.IsTerminal(fd) {
		return r.readLine()
	}

	state, err := term.GetState(fd)
	if err != nil {
		return nil, fmt.Errorf("passphrase: get terminal state: %w", err)
	}

	signal.Ignore(unix.SIGTSTP)
	defer signal.Reset(unix.SIGTSTP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	defer func() {
		signal.Stop(sigCh)
		close(done)
	}()
	go func() {
		select {
		case <-sigCh:
			term.Restore(fd, state) //nolint:errcheck
			fmt.Fprintln(r.out)
			signal.Reset(os.Interrupt)
			unix.Kill(unix.Getpid(), unix.SIGINT) //nolint:errcheck
		case <-done:
		}
	}()

	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(r.out)
	if err != nil {
		return nil, fmt.Errorf("passphrase: read from terminal: %w", err)
	}
	return pass, nil
}

// readLine serves non-interactive stdin, one line per prompt.
func (r *Reader) readLine() ([]byte, error) {
	if r.lines == nil {
		r.lines = bufio.NewReader(r.in)
	}
	line, err := r.lines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, fmt.Errorf("passphrase: read: %w", err)
	}
	return []byte(strings.TrimSuffix(line, "\n")), nil
}
