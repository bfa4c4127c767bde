// SPDX-License-Identifier: MIT

// Package menu provides an interactive terminal menu system using
// charmbracelet/huh, generalized from a device-setup wizard to a
// generic item list so cmd/guardianctl can build an operator console
// out of it for channel start/stop/reset actions.
package menu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
)

// Item is a single menu option.
type Item struct {
	Key         string
	Label       string
	Description string
	Action      func() error
}

// Menu is a titled list of Items, displayed in a loop until the user
// picks the quit key or aborts. Every prompt an Action needs (Confirm,
// Input, WaitForKey) goes through the Menu's own methods so non-TTY
// (test) mode reads from a single shared buffered reader instead of
// each helper constructing its own bufio.Scanner over the same
// underlying io.Reader, which would silently drop already-buffered
// input between calls.
type Menu struct {
	Title  string
	Items  []Item
	input  io.Reader
	output io.Writer
	reader *bufio.Reader // lazily built, non-stdin mode only
}

// Option configures a Menu.
type Option func(*Menu)

// WithInput sets the input reader (for testing, non-TTY fallback).
func WithInput(r io.Reader) Option { return func(m *Menu) { m.input = r } }

// WithOutput sets the output writer (for testing).
func WithOutput(w io.Writer) Option { return func(m *Menu) { m.output = w } }

// New creates a Menu.
func New(title string, opts ...Option) *Menu {
	m := &Menu{Title: title, input: os.Stdin, output: os.Stdout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddItem appends an item.
func (m *Menu) AddItem(item Item) { m.Items = append(m.Items, item) }

func (m *Menu) isTTY() bool { return m.input == os.Stdin }

func (m *Menu) bufReader() *bufio.Reader {
	if m.reader == nil {
		m.reader = bufio.NewReader(m.input)
	}
	return m.reader
}

func (m *Menu) readLine() (string, bool) {
	line, err := m.bufReader().ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

// Display shows the menu and runs the chosen item's Action, looping
// until the user selects "q" or aborts (huh.ErrUserAborted).
func (m *Menu) Display() error {
	if m.isTTY() {
		return m.displayWithHuh()
	}
	return m.displayWithScanner()
}

func (m *Menu) displayWithHuh() error {
	for {
		var options []huh.Option[string]
		for _, item := range m.Items {
			options = append(options, huh.NewOption(fmt.Sprintf("%s. %s", item.Key, item.Label), item.Key))
		}
		if len(options) == 0 {
			return nil
		}

		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().Title(m.Title).Options(options...).Value(&choice),
		))
		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				return nil
			}
			return err
		}
		if choice == "q" {
			return nil
		}
		if err := m.run(choice); err != nil {
			return err
		}
	}
}

func (m *Menu) run(key string) error {
	for _, item := range m.Items {
		if item.Key != key || item.Action == nil {
			continue
		}
		if err := item.Action(); err != nil {
			fmt.Fprintf(m.output, "\nerror: %v\n", err)
			m.WaitForKey("")
		}
		return nil
	}
	return nil
}

// displayWithScanner provides a fallback for non-TTY input (tests).
func (m *Menu) displayWithScanner() error {
	for {
		fmt.Fprintln(m.output, m.Title)
		for _, item := range m.Items {
			fmt.Fprintf(m.output, "  %s. %s\n", item.Key, item.Label)
		}
		fmt.Fprint(m.output, "select: ")
		choice, ok := m.readLine()
		if !ok {
			return nil
		}
		if choice == "" {
			continue
		}
		if choice == "q" {
			return nil
		}
		if err := m.run(choice); err != nil {
			return err
		}
	}
}

// WaitForKey waits for Enter.
func (m *Menu) WaitForKey(prompt string) {
	if prompt == "" {
		prompt = "press Enter to continue..."
	}
	fmt.Fprint(m.output, prompt)
	if m.isTTY() {
		bufio.NewReader(m.input).ReadString('\n')
		return
	}
	m.readLine()
}

// Confirm asks a yes/no question using huh, falling back to a buffered
// scanner prompt when input isn't a TTY.
func (m *Menu) Confirm(prompt string) bool {
	if !m.isTTY() {
		fmt.Fprintf(m.output, "%s [y/N]: ", prompt)
		line, ok := m.readLine()
		if !ok {
			return false
		}
		line = strings.ToLower(line)
		return line == "y" || line == "yes"
	}

	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(prompt).Affirmative("Yes").Negative("No").Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

// Input prompts for a single line of free text using huh, falling back
// to a buffered scanner prompt when input isn't a TTY.
func (m *Menu) Input(prompt string) string {
	if !m.isTTY() {
		fmt.Fprintf(m.output, "%s: ", prompt)
		line, _ := m.readLine()
		return line
	}

	var value string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(prompt).Value(&value),
	))
	if err := form.Run(); err != nil {
		return ""
	}
	return value
}
