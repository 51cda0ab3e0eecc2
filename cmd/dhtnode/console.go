package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eiannone/keyboard"
	"golang.org/x/term"
)

// errInterrupted is returned when the user presses Ctrl-C or Ctrl-D at the prompt.
var errInterrupted = errors.New("interrupted")

// lineReader yields one command line per call.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

// openConsole picks a raw keyboard editor on a terminal and a line scanner otherwise,
// so commands can also be piped in. It returns the writer command output should use.
func openConsole() (lineReader, io.Writer, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &scannerReader{scanner: bufio.NewScanner(os.Stdin)}, os.Stdout, nil
	}

	if err := keyboard.Open(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	var out = crlfWriter{w: os.Stdout}
	return &keyboardReader{echo: out}, out, nil
}

// readLines feeds lines until the reader fails. An interrupt also cancels in-flight work.
func readLines(reader lineReader, lines chan<- string, cancel func()) {
	defer close(lines)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, errInterrupted) {
				cancel()
			}
			return
		}
		lines <- line
	}
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func (s *scannerReader) ReadLine() (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *scannerReader) Close() error {
	return nil
}

// keyboardReader assembles lines from raw key presses and echoes them.
type keyboardReader struct {
	echo io.Writer
}

func (k *keyboardReader) ReadLine() (string, error) {
	var line []rune
	for {
		char, key, err := keyboard.GetKey()
		if err != nil {
			return "", err
		}

		switch key {
		case keyboard.KeyCtrlC, keyboard.KeyCtrlD:
			fmt.Fprintln(k.echo)
			return "", errInterrupted
		case keyboard.KeyEnter:
			fmt.Fprintln(k.echo)
			return string(line), nil
		case keyboard.KeyBackspace, keyboard.KeyBackspace2:
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Fprint(k.echo, "\b \b")
			}
		case keyboard.KeySpace:
			line = append(line, ' ')
			fmt.Fprint(k.echo, " ")
		default:
			if char != 0 {
				line = append(line, char)
				fmt.Fprint(k.echo, string(char))
			}
		}
	}
}

func (k *keyboardReader) Close() error {
	keyboard.Close()
	return nil
}

// crlfWriter translates line feeds for a terminal in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
