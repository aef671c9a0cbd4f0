package ui

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/call"
)

// ActionQuit is offered next to the controller's actions.
const ActionQuit call.Action = "quit"

var labels = map[call.Action]string{
	call.ActionStartCamera: "Start camera",
	call.ActionCreateCall:  "Create call (send offer)",
	call.ActionJoinCall:    "Join call (paste offer)",
	call.ActionSubmit:      "Submit remote data",
	call.ActionHangUp:      "Hang up",
	ActionQuit:             "Quit",
}

// Label returns the menu text of a.
func Label(a call.Action) string {
	if l, ok := labels[a]; ok {
		return l
	}
	return string(a)
}

// menu builds the option list; waiting is the number of texts received over
// the pipe and not yet submitted.
func menu(actions []call.Action, waiting int) ([]string, map[string]call.Action) {
	options := make([]string, 0, len(actions)+1)
	byLabel := make(map[string]call.Action, len(actions)+1)

	all := append(append([]call.Action(nil), actions...), ActionQuit)
	for _, a := range all {
		label := Label(a)
		if a == call.ActionSubmit && waiting > 0 {
			label = fmt.Sprintf("%s (%d received over pipe)", label, waiting)
		}
		options = append(options, label)
		byLabel[label] = a
	}
	return options, byLabel
}

// ChooseAction shows the enabled actions and returns the selected one.
func ChooseAction(actions []call.Action, waiting int) call.Action {
	options, byLabel := menu(actions, waiting)

	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select an action").
		Show()
	pterm.Println()
	if err != nil {
		return ActionQuit
	}
	return byLabel[choice]
}

// AskPaste reads pasted relay text. An empty result means the operator
// entered nothing.
func AskPaste() string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithMultiLine().
		WithDefaultText("Paste the text from your peer (Tab to finish, empty to read the clipboard)").
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}
