package listener

import (
	"context"
	"errors"
	"strings"
)

// transientSignatures are substrings of provider errors worth retrying.
var transientSignatures = []string{
	"rate limit",
	"too many requests",
	"429",
	"timeout",
	"timed out",
	"busy",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
