package planning

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"g3/pkg/job"
)

var httpMethods = []string{"get", "post", "put", "patch", "delete"}

// ContractAPIs lists the operations of an OpenAPI document, ordered by path
// then method.
func ContractAPIs(contractYAML string) ([]API, error) {
	var doc struct {
		Paths map[string]map[string]yaml.Node `yaml:"paths"`
	}
	if err := yaml.Unmarshal([]byte(contractYAML), &doc); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var apis []API
	for _, p := range paths {
		for _, m := range httpMethods {
			node, ok := doc.Paths[p][m]
			if !ok {
				continue
			}
			var op struct {
				Summary     string               `yaml:"summary"`
				OperationID string               `yaml:"operationId"`
				RequestBody map[string]any       `yaml:"requestBody"`
				Responses   map[string]yaml.Node `yaml:"responses"`
			}
			if err := node.Decode(&op); err != nil {
				continue
			}
			desc := op.Summary
			if desc == "" {
				desc = op.OperationID
			}
			apis = append(apis, API{
				Method:       strings.ToUpper(m),
				Path:         p,
				Description:  desc,
				RequestBody:  firstRef(op.RequestBody),
				ResponseBody: successRef(op.Responses),
			})
		}
	}
	return apis, nil
}

func successRef(responses map[string]yaml.Node) string {
	for _, code := range []string{"200", "201"} {
		node, ok := responses[code]
		if !ok {
			continue
		}
		var body map[string]any
		if node.Decode(&body) == nil {
			return firstRef(body)
		}
	}
	return ""
}

// firstRef finds the first $ref value anywhere under v and returns its
// last path segment.
func firstRef(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["$ref"].(string); ok {
			return path.Base(ref)
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if r := firstRef(t[k]); r != "" {
				return r
			}
		}
	case []any:
		for _, e := range t {
			if r := firstRef(e); r != "" {
				return r
			}
		}
	}
	return ""
}

var (
	createTableRe = regexp.MustCompile(`(?is)create\s+table\s+(?:if\s+not\s+exists\s+)?["` + "`" + `]?(\w+)["` + "`" + `]?\s*\((.*?)\)\s*;`)
	columnRe      = regexp.MustCompile(`(?s)^["` + "`" + `]?(\w+)["` + "`" + `]?\s+([\w]+(?:\s*\([^)]*\))?)(.*)$`)
	constraintRe  = regexp.MustCompile(`(?i)^(primary|foreign|unique|constraint|check|index|key)\b`)
)

// SchemaEntities lists the tables of a SQL schema with their columns.
func SchemaEntities(schemaSQL string) []Entity {
	var out []Entity
	for _, m := range createTableRe.FindAllStringSubmatch(schemaSQL, -1) {
		e := Entity{Name: m[1], Description: "Table " + m[1]}
		for _, def := range SplitColumns(m[2]) {
			if constraintRe.MatchString(def) {
				continue
			}
			cm := columnRe.FindStringSubmatch(def)
			if cm == nil {
				continue
			}
			rest := strings.ToUpper(cm[3])
			e.Attributes = append(e.Attributes, Attribute{
				Name:     cm[1],
				Type:     strings.ToUpper(cm[2]),
				Required: strings.Contains(rest, "NOT NULL") || strings.Contains(rest, "PRIMARY KEY"),
			})
		}
		out = append(out, e)
	}
	return out
}

// SplitColumns splits a column list on top-level commas.
func SplitColumns(body string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(body[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(body[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

var (
	packageRe   = regexp.MustCompile(`(?m)^\s*package\s+([\w.]+)\s*;`)
	publicSigRe = regexp.MustCompile(`(?m)^\s*public\s+(?:static\s+)?(?:[\w<>\[\], ?]+\s+)?\w+\s*\([^)]*\)`)
)

type javaInfo struct {
	className string
	qualified string
	kind      string
	signature string
}

func describeJava(a *job.Artifact) javaInfo {
	if a.Language != "java" || !strings.HasSuffix(a.FileName, ".java") {
		return javaInfo{}
	}
	info := javaInfo{className: strings.TrimSuffix(a.FileName, ".java")}
	if m := packageRe.FindStringSubmatch(a.Content); m != nil {
		info.qualified = m[1] + "." + info.className
	}
	switch a.Type {
	case job.TypeEntity:
		info.kind = KindEntity
	case job.TypeMapper:
		info.kind = KindMapper
	case job.TypeService:
		info.kind = KindService
	}
	var sigs []string
	for _, s := range publicSigRe.FindAllString(a.Content, -1) {
		s = strings.TrimSpace(s)
		if strings.Contains(s, " class ") || strings.Contains(s, " interface ") {
			continue
		}
		sigs = append(sigs, s+";")
	}
	info.signature = strings.Join(sigs, "\n")
	return info
}
