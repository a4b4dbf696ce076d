// Package console abstracts user interaction for the config loader. The
// loader only ever talks to this interface; non-interactive environments use
// the wrapper that answers with defaults and fails on anything that would
// need a human.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

var ErrUnexpectedPrompt = errors.New("interactive prompt in non-interactive mode")

type Console interface {
	Print(message string)

	// Ask presents numbered options and returns the chosen index.
	Ask(question string, options []string) (int, error)

	// AskYesNo returns the user's answer, or defaultValue on empty input.
	AskYesNo(question string, defaultValue bool) bool

	// AskPassword reads a password without echoing.
	AskPassword(prompt string) (string, error)
}

// IOConsole is the interactive implementation over a reader/writer pair,
// normally stdin/stdout.
type IOConsole struct {
	in  *bufio.Reader
	out io.Writer
	// fd of the input if it is a terminal, -1 otherwise
	inFd int
}

var _ Console = (*IOConsole)(nil)

func NewStdioConsole() *IOConsole {
	return &IOConsole{
		in:   bufio.NewReader(os.Stdin),
		out:  os.Stdout,
		inFd: int(os.Stdin.Fd()),
	}
}

// NewIOConsole builds a console over arbitrary streams. Password input is
// echoed because there is no terminal to control; tests use this.
func NewIOConsole(in io.Reader, out io.Writer) *IOConsole {
	return &IOConsole{in: bufio.NewReader(in), out: out, inFd: -1}
}

func (c *IOConsole) Print(message string) {
	fmt.Fprint(c.out, message)
}

func (c *IOConsole) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *IOConsole) Ask(question string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("ask: no options given")
	}
	fmt.Fprintf(c.out, "%s\n", question)
	for i, option := range options {
		fmt.Fprintf(c.out, " [%d] %s\n", i+1, option)
	}
	for {
		fmt.Fprint(c.out, "Your choice: ")
		line, err := c.readLine()
		if err != nil {
			return 0, err
		}
		choice, err := strconv.Atoi(line)
		if err == nil && choice >= 1 && choice <= len(options) {
			return choice - 1, nil
		}
		fmt.Fprintf(c.out, "Please enter a number between 1 and %d.\n", len(options))
	}
}

func (c *IOConsole) AskYesNo(question string, defaultValue bool) bool {
	suffix := "[y/N]"
	if defaultValue {
		suffix = "[Y/n]"
	}
	for {
		fmt.Fprintf(c.out, "%s %s ", question, suffix)
		line, err := c.readLine()
		if err != nil {
			return defaultValue
		}
		switch strings.ToLower(line) {
		case "":
			return defaultValue
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

func (c *IOConsole) AskPassword(prompt string) (string, error) {
	fmt.Fprint(c.out, prompt)
	if c.inFd >= 0 && term.IsTerminal(c.inFd) {
		pw, err := term.ReadPassword(c.inFd)
		fmt.Fprintln(c.out)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	return c.readLine()
}

// NoninteractiveConsole answers every question with its default and fails on
// prompts that have none.
type NoninteractiveConsole struct {
	out io.Writer
}

var _ Console = (*NoninteractiveConsole)(nil)

func NewNoninteractiveConsole(out io.Writer) *NoninteractiveConsole {
	if out == nil {
		out = os.Stdout
	}
	return &NoninteractiveConsole{out: out}
}

func (c *NoninteractiveConsole) Print(message string) {
	fmt.Fprint(c.out, message)
}

func (c *NoninteractiveConsole) Ask(question string, options []string) (int, error) {
	return 0, fmt.Errorf("%w: %q", ErrUnexpectedPrompt, question)
}

func (c *NoninteractiveConsole) AskYesNo(question string, defaultValue bool) bool {
	return defaultValue
}

func (c *NoninteractiveConsole) AskPassword(prompt string) (string, error) {
	return "", fmt.Errorf("%w: %q", ErrUnexpectedPrompt, prompt)
}
