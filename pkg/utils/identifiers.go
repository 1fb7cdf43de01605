package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for Docker container names and
// filesystem paths, which must match [a-zA-Z0-9][a-zA-Z0-9_.-]*.
func SanitizeIdentifier(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.TrimLeft(b.String(), "_.-")
	if out == "" {
		return "x"
	}
	return out
}

// ContainerName is the sandbox container name for a job.
func ContainerName(jobID string) string {
	return "g3-sandbox-" + SanitizeIdentifier(jobID)
}
