package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"sort"
	"strings"

	"g3/pkg/job"
)

// Signatures that carry no error classes.
const (
	SignatureEmpty          = "EMPTY_OUTPUT"
	SignatureNoParsedErrors = "NO_PARSED_ERRORS"
	unknownPrefix           = "UNKNOWN_"
)

// Signature identifies a failing build independent of line numbers,
// timestamps and absolute paths.
type Signature struct {
	Hash    string   `json:"hash"`
	Classes []string `json:"classes,omitempty"`
}

// IsKnown reports whether at least one error class was recognised.
func (s Signature) IsKnown() bool {
	return len(s.Classes) > 0
}

type errorPattern struct {
	re    *regexp.Regexp
	class string
	desc  string
}

//nolint:gochecknoglobals // compiled once
var errorPatterns = []errorPattern{
	{class: "SYMBOL_NOT_FOUND", desc: "symbol not found",
		re: regexp.MustCompile(`(?is)cannot find symbol.*?symbol:\s*(?:class|variable|method)\s+(\w+)`)},
	{class: "INCOMPATIBLE_TYPES", desc: "incompatible types",
		re: regexp.MustCompile(`(?i)incompatible types:.*?(?:required|found):\s*(\S+)`)},
	{class: "PACKAGE_NOT_EXIST", desc: "package does not exist",
		re: regexp.MustCompile(`(?i)package\s+(\S+)\s+does not exist`)},
	{class: "METHOD_NOT_APPLICABLE", desc: "method arguments do not match",
		re: regexp.MustCompile(`(?i)method\s+(\w+).*?cannot be applied`)},
	{class: "UNREPORTED_EXCEPTION", desc: "unhandled checked exception",
		re: regexp.MustCompile(`(?i)unreported exception\s+(\S+)`)},
	{class: "MISSING_RETURN", desc: "missing return statement",
		re: regexp.MustCompile(`(?i)missing return statement`)},
	{class: "SYNTAX_ERROR", desc: "syntax error",
		re: regexp.MustCompile(`(?i)(';'|'\)'|'\{'|'\}')\s*expected`)},
	{class: "ILLEGAL_START", desc: "illegal start of expression",
		re: regexp.MustCompile(`(?i)illegal start of (expression|type)`)},
	{class: "DEPENDENCY_RESOLVE", desc: "dependency resolution failed",
		re: regexp.MustCompile(`(?is)could not resolve dependencies.*?artifact\s+(\S+)`)},
	{class: "ARTIFACT_NOT_FOUND", desc: "dependency not found",
		re: regexp.MustCompile(`(?i)could not find artifact\s+(\S+)`)},
	{class: "PARENT_POM_ERROR", desc: "parent manifest not resolvable",
		re: regexp.MustCompile(`(?i)non-resolvable parent pom`)},
	{class: "PLUGIN_ERROR", desc: "build plugin failed",
		re: regexp.MustCompile(`(?i)failed to execute goal\s+(\S+)`)},
}

var (
	genericArgs   = regexp.MustCompile(`<[^>]+>`)
	timestampRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)
	lineNumberRe  = regexp.MustCompile(`:\d+:`)
	lineColumnRe  = regexp.MustCompile(`\[\d+,\d+\]`)
	absJavaPathRe = regexp.MustCompile(`/[a-zA-Z0-9_/.-]+/([A-Z][a-zA-Z0-9]+\.java)`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// ComputeSignature derives a signature from raw build output. Outputs with
// no recognised error class hash a normalised prefix of the text.
func ComputeSignature(output string) Signature {
	if strings.TrimSpace(output) == "" {
		return Signature{Hash: SignatureEmpty}
	}
	extracted := extractErrors(output)
	if len(extracted) == 0 {
		return Signature{Hash: unknownPrefix + hashText(normalizeOutput(output))}
	}
	sort.Strings(extracted)
	return Signature{Hash: hashText(strings.Join(extracted, "|")), Classes: classesOf(extracted)}
}

// SignatureFromErrors derives a signature from parsed diagnostics.
func SignatureFromErrors(errs []job.ParsedError) Signature {
	parts := make([]string, 0, len(errs))
	for i := range errs {
		if n := normalizeError(errs[i]); n != "" {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return Signature{Hash: SignatureNoParsedErrors}
	}
	sort.Strings(parts)
	return Signature{Hash: hashText(strings.Join(parts, "|"))}
}

// SignatureOf prefers parsed diagnostics and falls back to the raw output.
// Error classes always come from the raw output.
func SignatureOf(v *job.ValidationResult) Signature {
	if v == nil {
		return Signature{Hash: SignatureEmpty}
	}
	raw := ComputeSignature(v.Output())
	parsed := SignatureFromErrors(v.Errors)
	if parsed.Hash == SignatureNoParsedErrors {
		return raw
	}
	parsed.Classes = raw.Classes
	return parsed
}

// Describe returns a readable label for an error class.
func Describe(class string) string {
	for i := range errorPatterns {
		if errorPatterns[i].class == class {
			return errorPatterns[i].desc
		}
	}
	return "other build error"
}

// ClassesIn lists the error classes found in output, in pattern order.
func ClassesIn(output string) []string {
	var out []string
	for i := range errorPatterns {
		if errorPatterns[i].re.MatchString(output) {
			out = append(out, errorPatterns[i].class)
		}
	}
	return out
}

func extractErrors(output string) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range errorPatterns {
		p := errorPatterns[i]
		for _, m := range p.re.FindAllStringSubmatch(output, -1) {
			e := p.class
			if len(m) > 1 && m[1] != "" {
				e += ":" + normalizeSymbol(m[1])
			}
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

func classesOf(extracted []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range extracted {
		class, _, _ := strings.Cut(e, ":")
		if !seen[class] {
			seen[class] = true
			out = append(out, class)
		}
	}
	return out
}

func normalizeSymbol(symbol string) string {
	symbol = genericArgs.ReplaceAllString(symbol, "")
	if i := strings.LastIndex(symbol, "."); i >= 0 {
		symbol = symbol[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

func normalizeError(e job.ParsedError) string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(path.Base(e.File))
		sb.WriteString(":")
	}
	if e.Message != "" {
		msg := strings.ToLower(e.Message)
		msg = lineColumnRe.ReplaceAllString(msg, "")
		msg = lineNumberRe.ReplaceAllString(msg, ":")
		sb.WriteString(strings.TrimSpace(msg))
	}
	return sb.String()
}

func normalizeOutput(output string) string {
	output = timestampRe.ReplaceAllString(output, "")
	output = lineNumberRe.ReplaceAllString(output, ":")
	output = lineColumnRe.ReplaceAllString(output, "")
	output = absJavaPathRe.ReplaceAllString(output, "$1")
	output = strings.TrimSpace(whitespaceRe.ReplaceAllString(output, " "))
	if len(output) > 500 {
		output = output[:500]
	}
	return output
}

// hashText returns the first 8 bytes of the SHA-256 as hex.
func hashText(text string) string {
	if strings.TrimSpace(text) == "" {
		return "EMPTY"
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
