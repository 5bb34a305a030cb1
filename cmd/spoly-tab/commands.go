package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/satindergrewal/spoly/internal/tabsync"
)

var simpleCommands = map[string]tabsync.ActionKind{
	"start": tabsync.ActionStart,
	"pause": tabsync.ActionPause, // toggles
	"stop":  tabsync.ActionStop,
	"send":  tabsync.ActionSend,
	"mute":  tabsync.ActionMute,
	"panel": tabsync.ActionPanel,
	"open":  tabsync.ActionOpen,
	"close": tabsync.ActionClose,
}

// parseCommand reads one line typed into the tab. quit is set for
// "quit" and "exit"; an empty line yields ok == false.
func parseCommand(line string) (act tabsync.Action, ok, quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return act, false, false, nil
	}
	name := strings.ToLower(fields[0])
	switch name {
	case "quit", "exit":
		return act, false, true, nil
	case "move":
		if len(fields) != 3 {
			return act, false, false, fmt.Errorf("usage: move X Y")
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			return act, false, false, fmt.Errorf("move: coordinates must be numbers")
		}
		return tabsync.Action{Kind: tabsync.ActionMove, X: x, Y: y}, true, false, nil
	}
	kind, known := simpleCommands[name]
	if !known {
		return act, false, false, fmt.Errorf("unknown command %q", fields[0])
	}
	if len(fields) > 1 {
		return act, false, false, fmt.Errorf("%s takes no arguments", name)
	}
	return tabsync.Action{Kind: kind}, true, false, nil
}
