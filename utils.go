package sshmux

import (
	"net"
	"strconv"
	"strings"
)

const maxNameLength = 64

// subsystemNameValid returns true if name is a valid request or subsystem
// name: printable US-ASCII, no whitespace or commas, at most 64 characters,
// and at most one '@' separating a local name from its domain.
func subsystemNameValid(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	if name[0] == '@' || name[len(name)-1] == '@' {
		return false
	}

	nameValid := true
	for i := 0; i < len(name); i++ {
		if name[i] <= ' ' || name[i] > '~' || name[i] == ',' {
			nameValid = false
			break
		}
	}

	return nameValid && strings.Count(name, "@") <= 1
}

func joinHostPort(host string, port uint32) string {
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}

