package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// prompter reads answers from the command's input. Secrets are read without
// echo when the input is a terminal.
type prompter struct {
	in  io.Reader
	out io.Writer
	r   *bufio.Reader
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
}

func (p *prompter) reader() *bufio.Reader {
	if p.r == nil {
		p.r = bufio.NewReader(p.in)
	}
	return p.r
}

// line prompts for input and returns the trimmed answer. io.EOF is returned
// only when nothing was read.
func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	input, err := p.reader().ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// secret prompts for a password securely and returns the trimmed string.
func (p *prompter) secret(prompt string) (string, error) {
	f, ok := p.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.line(prompt)
	}

	fmt.Fprint(p.out, prompt)
	password, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(p.out) // Print a newline for better formatting
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(password)), nil
}

// orPrompt returns value, or asks for it when empty.
func (p *prompter) orPrompt(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	return p.line(prompt)
}
