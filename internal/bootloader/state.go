package bootloader

import "fmt"

// State is the lifecycle position of the bootloader.
type State int

const (
	// StateEntry evaluates the backdoor and the installed application.
	StateEntry State = iota
	// StateIdle waits for the first command.
	StateIdle
	// StateProgramming serves commands.
	StateProgramming
	// StateUserProgramActive is terminal: control went to the application.
	StateUserProgramActive
	// StateError waits for the backdoor to be triggered again.
	StateError
)

var stateNames = [...]string{
	StateEntry:             "entry",
	StateIdle:              "idle",
	StateProgramming:       "programming",
	StateUserProgramActive: "user-program-active",
	StateError:             "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
