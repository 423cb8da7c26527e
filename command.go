// Copyright 2023 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goprobe

import (
	"fmt"
)

// Command is one named subcommand a chip driver exposes to the outer
// console (an option-byte editor, a security unlock, ...). The console
// itself lives outside this library.
type Command struct {
	Cmd     string
	Help    string
	Handler func(t *Target, argv []string) error
}

type commandSet struct {
	name string
	cmds []Command
}

// AddCommands registers a named group of subcommands on the target.
func (t *Target) AddCommands(name string, cmds []Command) {
	t.commands = append(t.commands, commandSet{name: name, cmds: cmds})
}

// Command dispatches argv[0] against the registered subcommands. The
// handler receives only the arguments after the name.
func (t *Target) Command(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command given")
	}
	for _, set := range t.commands {
		for _, cmd := range set.cmds {
			if cmd.Cmd == argv[0] {
				return cmd.Handler(t, argv[1:])
			}
		}
	}
	return fmt.Errorf("unknown command %q", argv[0])
}

// CommandHelp prints every registered subcommand through the session's
// print facility.
func (t *Target) CommandHelp() {
	for _, set := range t.commands {
		t.printf("%s specific commands:\n", set.name)
		for _, cmd := range set.cmds {
			t.printf("\t%s -- %s\n", cmd.Cmd, cmd.Help)
		}
	}
}
