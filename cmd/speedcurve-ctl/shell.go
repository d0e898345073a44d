package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	isatty "github.com/mattn/go-isatty"
)

var shellSuggests = []prompt.Suggest{
	{Text: "status", Description: "stroke state, counters and the active curve"},
	{Text: "reset", Description: "put both axes back to idle"},
	{Text: "speed-at", Description: "speed-at MS: evaluate the curve"},
	{Text: "help", Description: "list commands"},
	{Text: "exit", Description: "leave the shell"},
}

type shell struct {
	socketPath string
	out        *os.File
}

// exec runs one line. It reports false when the shell should end.
func (sh *shell) exec(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}
	switch args[0] {
	case "exit", "quit":
		return false
	}

	req, err := parseCommand(args)
	if errors.Is(err, errHelp) {
		for _, s := range shellSuggests {
			fmt.Fprintf(sh.out, "  %-10s %s\n", s.Text, s.Description)
		}
		return true
	}
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
		return true
	}

	resp, err := send(sh.socketPath, req)
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
		return true
	}
	printResponse(sh.out, resp)
	return true
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	// Only the command word completes.
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(shellSuggests, d.GetWordBeforeCursor(), true)
}

// runShell reads commands interactively, or line by line when stdin is piped.
func runShell(socketPath string) error {
	sh := &shell{socketPath: socketPath, out: os.Stdout}

	if isatty.IsTerminal(os.Stdin.Fd()) {
		p := prompt.New(
			func(line string) {
				// Exiting here would leave the terminal in raw mode.
				if !sh.exec(line) {
					fmt.Fprintln(sh.out, "press Ctrl-D to leave")
				}
			},
			sh.complete,
			prompt.OptionPrefix("speedcurve> "),
			prompt.OptionTitle("speedcurve-ctl"),
		)
		p.Run()
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !sh.exec(scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}
