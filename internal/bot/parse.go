package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a numeric rule ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, fmt.Errorf("rule ID is required")
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(fields[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule ID %q", fields[0])
	}
	return id, nil
}

// ParseChatRef splits a channel reference into a numeric chat ID or a public @username.
func ParseChatRef(ref string) (chatID int64, username string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, "", fmt.Errorf("empty chat reference")
	}
	if strings.HasPrefix(ref, "@") {
		if len(ref) == 1 {
			return 0, "", fmt.Errorf("invalid chat reference %q", ref)
		}
		return 0, ref, nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid chat reference %q", ref)
	}
	return id, "", nil
}
