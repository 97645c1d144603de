package extension

import "fmt"

// Status is the lifecycle state of a registered extension.
//
// Transitions:
//
//	Installed -> Loading -> Enabled
//	Enabled   -> Installed   (disable)
//	any       -> Error       (load or reload failure)
//	Error     -> Installed   (clear, or retried enable)
//	any       -> removed     (uninstall)
type Status int

// Lifecycle states.
const (
	StatusInstalled Status = iota
	StatusLoading
	StatusEnabled
	StatusError
)

var statusNames = map[Status]string{
	StatusInstalled: "installed",
	StatusLoading:   "loading",
	StatusEnabled:   "enabled",
	StatusError:     "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus parses a status name, as used in CLI filters.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
