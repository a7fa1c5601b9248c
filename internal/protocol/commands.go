package protocol

import "fmt"

// Command is the first byte of every request.
type Command byte

// Bootloader commands
const (
	CmdGetProtocolVersion    Command = 0x01
	CmdSetProgrammingEnabled Command = 0x02
	CmdGetProgrammingEnabled Command = 0x03
	CmdEraseMemory           Command = 0x04
	CmdWriteData             Command = 0x05
	CmdReadData              Command = 0x06
	CmdGetChecksum           Command = 0x07
	CmdReboot                Command = 0x08
)

var commandNames = map[Command]string{
	CmdGetProtocolVersion:    "GetProtocolVersion",
	CmdSetProgrammingEnabled: "SetProgrammingEnabled",
	CmdGetProgrammingEnabled: "GetProgrammingEnabled",
	CmdEraseMemory:           "EraseMemory",
	CmdWriteData:             "WriteData",
	CmdReadData:              "ReadData",
	CmdGetChecksum:           "GetChecksum",
	CmdReboot:                "Reboot",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// Known reports whether c is part of the command set.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// Gated reports whether c needs programming mode to be enabled.
func (c Command) Gated() bool {
	switch c {
	case CmdEraseMemory, CmdWriteData, CmdReadData, CmdGetChecksum:
		return true
	}
	return false
}

// Protocol version reported by GetProtocolVersion.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// Range-addressed payloads: address (4, LE) followed by length (4, LE).
const rangeHeaderLen = 8

// Status is the first byte of every response.
type Status byte

// Response status codes
const (
	StatusOK                    Status = 0x00
	StatusInvalidCommand        Status = 0x01
	StatusInvalidLength         Status = 0x02
	StatusProgrammingNotEnabled Status = 0x03
	StatusAlignmentError        Status = 0x04
	StatusOutOfBounds           Status = 0x05
	StatusProtectedRegionAccess Status = 0x06
	StatusHardwareError         Status = 0x07
	StatusVerificationFailed    Status = 0x08
)

// StatusMessage returns human-readable status message
func StatusMessage(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidCommand:
		return "invalid command"
	case StatusInvalidLength:
		return "invalid length"
	case StatusProgrammingNotEnabled:
		return "programming not enabled"
	case StatusAlignmentError:
		return "alignment error"
	case StatusOutOfBounds:
		return "out of bounds"
	case StatusProtectedRegionAccess:
		return "protected region access"
	case StatusHardwareError:
		return "hardware error"
	case StatusVerificationFailed:
		return "verification failed"
	default:
		return "unknown status"
	}
}

func (s Status) String() string {
	return StatusMessage(s)
}
