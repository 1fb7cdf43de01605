package sandbox

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"g3/pkg/job"
)

var (
	// [ERROR] /workspace/src/main/java/A.java:[12,5] error: cannot find symbol
	mavenErrorRe = regexp.MustCompile(`\[ERROR\]\s+(.+?\.java):\[(\d+),(\d+)\]\s*(error|warning)?:?\s*(.+)`)
	// src/main/java/A.java:12: error: cannot find symbol
	javacErrorRe = regexp.MustCompile(`(.+?\.java):(\d+):\s*(error|warning)?:?\s*(.+)`)
)

// ParseCompilerErrors extracts diagnostics from Maven and javac output.
// Maven repeats errors in its summary, so duplicates are dropped.
func ParseCompilerErrors(output string) []job.ParsedError {
	if strings.TrimSpace(output) == "" {
		return nil
	}

	var errs []job.ParsedError
	seen := make(map[string]bool)
	add := func(e job.ParsedError) {
		key := fmt.Sprintf("%s:%d:%d:%s:%s", e.File, e.Line, e.Column, e.Severity, e.Message)
		if seen[key] {
			return
		}
		seen[key] = true
		errs = append(errs, e)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")

		if m := mavenErrorRe.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			add(job.ParsedError{
				File:     strings.TrimSpace(m[1]),
				Line:     lineNo,
				Column:   col,
				Severity: severityOr(m[4]),
				Message:  strings.TrimSpace(m[5]),
			})
			continue
		}

		if m := javacErrorRe.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			add(job.ParsedError{
				File:     strings.TrimSpace(m[1]),
				Line:     lineNo,
				Severity: severityOr(m[3]),
				Message:  strings.TrimSpace(m[4]),
			})
		}
	}

	return errs
}

func severityOr(s string) string {
	if s == "" {
		return "error"
	}
	return s
}

// environment failure signatures, checked in order.
var environmentSignatures = []struct {
	reason  string
	needles []string
}{
	{"build tool is not installed in the sandbox", []string{"mvn: not found", "mvn: command not found", "'mvn' is not recognized", "gradle: not found", "npm: not found"}},
	{"dependency resolution failed (network or repository unavailable)", []string{"could not resolve dependencies", "could not transfer artifact", "failed to read artifact descriptor", "cannot access central", "could not find artifact"}},
	{"network connection timed out", []string{"connection timed out", "read timed out", "connect timed out", "sockettimeoutexception"}},
	{"repository access denied", []string{"not authorized", "access denied", "transfer failed"}},
	{"container runtime error", []string{"no such container", "is not running", "oci runtime"}},
}

// DetectEnvironmentError returns a reason when output looks like an
// infrastructure fault rather than a code fault, or "" otherwise.
func DetectEnvironmentError(output string) string {
	if strings.TrimSpace(output) == "" {
		return ""
	}
	normalized := strings.ToLower(output)

	for _, sig := range environmentSignatures {
		for _, needle := range sig.needles {
			if strings.Contains(normalized, needle) {
				return sig.reason
			}
		}
	}

	// A build failure without any source-level diagnostic.
	if strings.Contains(normalized, "build failure") &&
		!strings.Contains(normalized, ".java:") &&
		!strings.Contains(normalized, "error:") {
		return "build failed without source errors (likely environment)"
	}

	return ""
}

// BuildFailureSummary keeps the error lines of a failing build, or its tail
// when none stand out.
func BuildFailureSummary(output string) string {
	if strings.TrimSpace(output) == "" {
		return "build failed with no output"
	}

	lines := strings.Split(strings.ReplaceAll(output, "\r", ""), "\n")
	var sb strings.Builder
	count := 0
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[ERROR]") || strings.Contains(line, "BUILD FAILURE") ||
			strings.Contains(line, "Failed to execute goal") {
			sb.WriteString(line)
			sb.WriteByte('\n')
			count++
			if count >= 80 {
				break
			}
		}
	}
	if sb.Len() > 0 {
		return sb.String()
	}

	start := len(lines) - 60
	if start < 0 {
		start = 0
	}
	return strings.Join(lines[start:], "\n")
}

// assignErrors groups diagnostics by the artifact they belong to. A reported
// path matches an artifact whose relative path ends it on a "/" boundary. The
// base name is only trusted when no artifact matches the full path and exactly
// one artifact carries that name.
func assignErrors(artifacts []*job.Artifact, errs []job.ParsedError) map[*job.Artifact]string {
	out := make(map[*job.Artifact]*strings.Builder)
	for _, e := range errs {
		owners := matchingArtifacts(e.File, artifacts)
		for _, a := range owners {
			sb, ok := out[a]
			if !ok {
				sb = &strings.Builder{}
				out[a] = sb
			}
			fmt.Fprintf(sb, "%s:%d:%d: %s: %s\n", e.File, e.Line, e.Column, e.Severity, e.Message)
		}
	}
	res := make(map[*job.Artifact]string, len(out))
	for a, sb := range out {
		res[a] = sb.String()
	}
	return res
}

// matchingArtifacts resolves a compiler-reported path. The compiler sees the
// sandbox mount point, so only the suffix is stable.
func matchingArtifacts(reported string, artifacts []*job.Artifact) []*job.Artifact {
	reported = strings.ReplaceAll(reported, "\\", "/")

	var byPath []*job.Artifact
	for _, a := range artifacts {
		if pathMatches(reported, a.FilePath) {
			byPath = append(byPath, a)
		}
	}
	if len(byPath) > 0 {
		return byPath
	}

	base := path.Base(reported)
	var byName []*job.Artifact
	for _, a := range artifacts {
		if a.FileName != "" && a.FileName == base {
			byName = append(byName, a)
		}
	}
	if len(byName) == 1 {
		return byName
	}
	return nil
}

func pathMatches(reported, rel string) bool {
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, "\\", "/"), "./")
	if rel == "" {
		return false
	}
	return reported == rel || strings.HasSuffix(reported, "/"+rel)
}
