package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"SmartKisan/internal/nav"
)

const helpText = `Commands:
  /back                      go back
  /tab <home|history|cultivation|chat|profile>
  /scan                      new soil scan
  /go <screen>               follow a link on the current screen
  /login <phone> <password>
  /register <name> <phone> <password> [location]
  /season <kharif|rabi|zaid>
  /set n=90 p=40 k=40 ph=6.5 temp=28
  /image <path>              attach a soil photo
  /submit                    analyse soil
  /select <n>                pick a recommended crop
  /cultivate                 start growing the selected crop
  /view <n>                  open a past scan
  /task <id>                 toggle a task
  /ledger <profit|expense> <amount> [category] [notes]
  /finish                    finish the active cultivation
  /past                      list past cultivations
  /detail <id>               open a past cultivation
  /lang <code>               change language
  /profile name=<name> location=<place> [pic=<path>]
  /logout
  /record, /send, /cancel    voice message
  /chathistory               earlier chats
  /quit`

// Run reads commands from in until the app exits, in is exhausted or ctx is
// cancelled. Each line is handled on the UI loop.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-a.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("failed to read input: %w", err)
					}
				default:
				}
				a.loop.Post(a.quit)
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if !a.loop.Post(func() { a.handle(input) }) {
				return nil
			}
		}
	}
}

// handle runs one line of input on the loop
func (a *App) handle(input string) {
	if strings.HasPrefix(input, "/") {
		if err := a.handleCommand(input); err != nil {
			a.view.Inline(err.Error())
			a.logger.Debug("command error", "input", input, "error", err)
		}
		return
	}
	if a.nav.Current() == nav.Chat {
		a.SendChat(input)
		return
	}
	a.view.Inline("Type /help for commands")
}

func (a *App) handleCommand(cmd string) error {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return nil
	}
	args := parts[1:]

	switch parts[0] {
	case "/quit", "/exit":
		a.quit()

	case "/help":
		a.view.Alert("Help", helpText)

	case "/back":
		a.Back()

	case "/tab":
		if len(args) != 1 {
			return fmt.Errorf("usage: /tab <home|history|cultivation|chat|profile>")
		}
		a.SelectTab(args[0])

	case "/scan":
		a.NewScan()

	case "/go":
		if len(args) != 1 {
			return fmt.Errorf("usage: /go <screen>")
		}
		a.GoTo(args[0])

	case "/login":
		if a.nav.Current() != nav.Login {
			return fmt.Errorf("not on the login screen")
		}
		phone, password := arg(args, 0), arg(args, 1)
		a.Login(phone, password)

	case "/register":
		if a.nav.Current() != nav.Register {
			return fmt.Errorf("not on the register screen")
		}
		location := ""
		if len(args) > 3 {
			location = strings.Join(args[3:], " ")
		}
		a.Register(arg(args, 0), arg(args, 1), arg(args, 2), location)

	case "/season", "/set", "/image", "/submit":
		if a.nav.Current() != nav.Input {
			return fmt.Errorf("not on the input screen")
		}
		switch parts[0] {
		case "/season":
			if len(args) != 1 {
				return fmt.Errorf("usage: /season <kharif|rabi|zaid>")
			}
			a.SetSeason(args[0])
		case "/set":
			a.SetInputs(args)
		case "/image":
			if len(args) != 1 {
				return fmt.Errorf("usage: /image <path>")
			}
			a.AttachImage(args[0])
		default:
			a.SubmitAnalysis()
		}

	case "/select", "/cultivate":
		if a.nav.Current() != nav.Result {
			return fmt.Errorf("not on the result screen")
		}
		if parts[0] == "/cultivate" {
			a.StartCultivation()
			return nil
		}
		n, err := intArg(args, "/select <n>")
		if err != nil {
			return err
		}
		a.SelectCrop(int(n))

	case "/view":
		if s := a.nav.Current(); s != nav.Home && s != nav.History {
			return fmt.Errorf("no scans listed here")
		}
		n, err := intArg(args, "/view <n>")
		if err != nil {
			return err
		}
		a.ViewHistory(int(n))

	case "/task", "/ledger", "/finish", "/past", "/detail":
		if a.nav.Current() != nav.Cultivation {
			return fmt.Errorf("not on the cultivation screen")
		}
		return a.cultivationCommand(parts[0], args)

	case "/lang", "/profile", "/logout":
		if a.nav.Current() != nav.Profile {
			return fmt.Errorf("not on the profile screen")
		}
		switch parts[0] {
		case "/lang":
			if len(args) != 1 {
				return fmt.Errorf("usage: /lang <code>")
			}
			a.SetLanguage(args[0])
		case "/profile":
			fields := parseAssignments(args)
			a.UpdateProfile(fields["name"], fields["location"], fields["pic"])
		default:
			a.Logout()
		}

	case "/record", "/send", "/cancel", "/chathistory":
		if a.nav.Current() != nav.Chat {
			return fmt.Errorf("not on the chat screen")
		}
		switch parts[0] {
		case "/record":
			a.StartVoice()
		case "/send":
			a.StopVoice()
		case "/cancel":
			a.CancelVoice()
		default:
			a.ChatHistory()
		}

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
	return nil
}

func (a *App) cultivationCommand(name string, args []string) error {
	switch name {
	case "/task":
		id, err := intArg(args, "/task <id>")
		if err != nil {
			return err
		}
		a.ToggleTask(id)
	case "/ledger":
		a.AddLedger(args)
	case "/finish":
		a.FinishCultivation()
	case "/past":
		a.PastCultivations()
	case "/detail":
		id, err := intArg(args, "/detail <id>")
		if err != nil {
			return err
		}
		a.CultivationDetail(id)
	}
	return nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func intArg(args []string, usage string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return n, nil
}
