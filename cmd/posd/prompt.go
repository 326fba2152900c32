package main

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

var errNotInteractive = errors.New("not a terminal")

// interactive reports whether missing flags may be asked for.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptMissing asks for every field whose value is still empty. It returns
// errNotInteractive when stdin is not a terminal.
func promptMissing(fields ...huh.Field) error {
	if len(fields) == 0 {
		return nil
	}
	if !interactive() {
		return errNotInteractive
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

func moneyInput(title string, value *string) *huh.Input {
	return huh.NewInput().
		Title(title).
		Placeholder("0.00").
		Value(value).
		Validate(func(s string) error {
			_, err := parseMoney("amount", s)
			return err
		})
}

// confirm asks a yes/no question. Without a terminal the answer is yes only
// when assumeYes is set.
func confirm(title string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !interactive() {
		return false, errNotInteractive
	}
	ok := false
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&ok),
	)).Run()
	return ok, err
}
