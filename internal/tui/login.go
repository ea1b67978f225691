// Package tui holds the interactive terminal forms.
package tui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"caldavtasks/internal/utils"
)

// ErrCancelled is returned when the user leaves the form.
var ErrCancelled = errors.New("login cancelled")

// LoginForm holds the values entered in the login form.
type LoginForm struct {
	URL      string
	Username string
	Password string
}

const (
	fieldURL = iota
	fieldUsername
	fieldPassword
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Width(10)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type loginModel struct {
	inputs    []textinput.Model
	focus     int
	err       error
	cancelled bool
	done      bool
	result    LoginForm
}

func newLoginModel(defaults LoginForm) loginModel {
	inputs := make([]textinput.Model, 3)
	for i := range inputs {
		ti := textinput.New()
		ti.Width = 50
		ti.Prompt = ""
		inputs[i] = ti
	}
	inputs[fieldURL].Placeholder = "https://cloud.example.com"
	inputs[fieldURL].SetValue(defaults.URL)
	inputs[fieldUsername].Placeholder = "username"
	inputs[fieldUsername].SetValue(defaults.Username)
	inputs[fieldPassword].Placeholder = "app password"
	inputs[fieldPassword].EchoMode = textinput.EchoPassword
	inputs[fieldPassword].EchoCharacter = '•'

	m := loginModel{inputs: inputs}
	// Start on the first empty field.
	for i := range inputs {
		if inputs[i].Value() == "" {
			m.focus = i
			break
		}
	}
	m.inputs[m.focus].Focus()
	return m
}

func (m loginModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m loginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		case "tab", "down":
			return m.setFocus((m.focus + 1) % len(m.inputs))
		case "shift+tab", "up":
			return m.setFocus((m.focus + len(m.inputs) - 1) % len(m.inputs))
		case "enter":
			if m.focus < fieldPassword {
				return m.setFocus(m.focus + 1)
			}
			return m.submit()
		}
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m loginModel) setFocus(i int) (tea.Model, tea.Cmd) {
	m.inputs[m.focus].Blur()
	m.focus = i
	return m, m.inputs[i].Focus()
}

func (m loginModel) submit() (tea.Model, tea.Cmd) {
	form := LoginForm{
		URL:      m.inputs[fieldURL].Value(),
		Username: strings.TrimSpace(m.inputs[fieldUsername].Value()),
		Password: m.inputs[fieldPassword].Value(),
	}
	form, field, err := checkForm(form)
	if err != nil {
		m.err = err
		return m.setFocus(field)
	}
	m.err = nil
	m.result = form
	m.done = true
	return m, tea.Quit
}

// checkForm validates and normalises the form. On error it also returns
// the field to correct.
func checkForm(form LoginForm) (LoginForm, int, error) {
	server, err := utils.ValidateServerURL(form.URL)
	if err != nil {
		return form, fieldURL, err
	}
	form.URL = server.String()
	if form.Username == "" {
		return form, fieldUsername, errors.New("username is required")
	}
	if form.Password == "" {
		return form, fieldPassword, errors.New("password is required")
	}
	return form, 0, nil
}

func (m loginModel) View() string {
	if m.done || m.cancelled {
		return ""
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("Log in to your CalDAV server"))
	s.WriteString("\n\n")
	labels := []string{"Server", "Username", "Password"}
	for i, input := range m.inputs {
		s.WriteString(labelStyle.Render(labels[i]))
		s.WriteString(input.View())
		s.WriteString("\n")
	}
	if m.err != nil {
		s.WriteString("\n")
		s.WriteString(errorStyle.Render(m.err.Error()))
		s.WriteString("\n")
	}
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("tab/↓: next • shift+tab/↑: previous • enter: submit • esc: cancel"))
	return s.String()
}

// RunLogin asks for server, username and password. It shows the form when
// stdin is a terminal and falls back to line prompts otherwise.
func RunLogin(defaults LoginForm) (LoginForm, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return PromptLogin(os.Stdin, os.Stderr, defaults, nil)
	}

	finalModel, err := tea.NewProgram(newLoginModel(defaults)).Run()
	if err != nil {
		return LoginForm{}, fmt.Errorf("error running login form: %w", err)
	}
	m, ok := finalModel.(loginModel)
	if !ok {
		return LoginForm{}, fmt.Errorf("unexpected model type")
	}
	if m.cancelled || !m.done {
		return LoginForm{}, ErrCancelled
	}
	return m.result, nil
}

// PromptLogin reads the form line by line. Empty answers keep the
// defaults. readPassword reads the password without echo; nil reads it
// as a plain line.
func PromptLogin(in io.Reader, out io.Writer, defaults LoginForm, readPassword func() (string, error)) (LoginForm, error) {
	r := bufio.NewReader(in)
	form := defaults

	ask := func(label, current string) (string, error) {
		if current != "" {
			label = fmt.Sprintf("%s [%s]", label, current)
		}
		answer, err := utils.PromptLine(r, out, label+": ")
		if err != nil {
			return "", err
		}
		if answer == "" {
			return current, nil
		}
		return answer, nil
	}

	var err error
	if form.URL, err = ask("Server", form.URL); err != nil {
		return LoginForm{}, err
	}
	if form.Username, err = ask("Username", form.Username); err != nil {
		return LoginForm{}, err
	}
	if readPassword != nil {
		fmt.Fprint(out, "Password: ")
		form.Password, err = readPassword()
		fmt.Fprintln(out)
	} else {
		form.Password, err = utils.PromptLine(r, out, "Password: ")
	}
	if err != nil {
		return LoginForm{}, err
	}

	form, _, err = checkForm(form)
	return form, err
}

// ReadPassword reads a password from the terminal on fd without echo.
func ReadPassword(fd int) func() (string, error) {
	return func() (string, error) {
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
}
