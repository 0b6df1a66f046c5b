package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// envRef matches ${NAME}, ${NAME:-fallback} and ${NAME:?message}. Bare
// $NAME is not expanded.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// unsetRef is a reference to a variable with no value and no fallback.
type unsetRef struct {
	Path string
	Name string
}

type envExpander struct {
	lookup   func(string) (string, bool)
	unset    []unsetRef
	required error
}

func newEnvExpander() *envExpander {
	return &envExpander{lookup: os.LookupEnv}
}

// expand substitutes variable references in the string scalars of a YAML
// document and returns the re-encoded document. ${NAME:?message} with no
// value is an error; other unset references expand to "" and are recorded
// with the key path they appeared under.
func (x *envExpander) expand(raw []byte) (string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return "", fmt.Errorf("parse config: %w", err)
	}
	if root.Kind == 0 {
		return "", nil
	}
	x.walk(&root, "")
	if x.required != nil {
		return "", x.required
	}
	out, err := yaml.Marshal(&root)
	if err != nil {
		return "", fmt.Errorf("encode expanded config: %w", err)
	}
	return string(out), nil
}

func (x *envExpander) walk(node *yaml.Node, path string) {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			x.walk(child, path)
		}
	case yaml.SequenceNode:
		for i, child := range node.Content {
			x.walk(child, path+"["+strconv.Itoa(i)+"]")
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if path != "" {
				key = path + "." + key
			}
			x.walk(node.Content[i+1], key)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			x.walk(node.Alias, path)
		}
	case yaml.ScalarNode:
		x.substitute(node, path)
	}
}

func (x *envExpander) substitute(node *yaml.Node, path string) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "${") {
		return
	}
	value := envRef.ReplaceAllStringFunc(node.Value, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if val, ok := x.lookup(name); ok && (val != "" || op == "") {
			return val
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "required variable is not set"
			}
			x.required = multierr.Append(x.required, fmt.Errorf("%s: ${%s}: %s", path, name, arg))
			return ""
		}
		x.unset = append(x.unset, unsetRef{Path: path, Name: name})
		return ""
	})
	if value == node.Value {
		return
	}
	node.Value = value
	if node.Style != 0 {
		node.Tag = "!!str"
		return
	}
	node.Tag = implicitTag(value)
}

// implicitTag is the tag YAML would give value written as a plain scalar,
// so port: ${PORT} decodes as a number.
func implicitTag(value string) string {
	if strings.TrimSpace(value) == "" {
		return "!!str"
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(value), &doc); err != nil || len(doc.Content) != 1 {
		return "!!str"
	}
	if scalar := doc.Content[0]; scalar.Kind == yaml.ScalarNode && scalar.Style == 0 {
		return scalar.ShortTag()
	}
	return "!!str"
}

// unsetNames lists each unset variable once, sorted.
func (x *envExpander) unsetNames() []string {
	seen := make(map[string]struct{}, len(x.unset))
	var names []string
	for _, ref := range x.unset {
		if _, ok := seen[ref.Name]; ok {
			continue
		}
		seen[ref.Name] = struct{}{}
		names = append(names, ref.Name)
	}
	sort.Strings(names)
	return names
}

func (x *envExpander) unsetPaths() []string {
	paths := make([]string, 0, len(x.unset))
	for _, ref := range x.unset {
		paths = append(paths, ref.Path)
	}
	return paths
}

// unsetUnder reports the unset variables referenced below prefix.
func (x *envExpander) unsetUnder(prefix string) []string {
	var names []string
	for _, ref := range x.unset {
		if ref.Path == prefix || strings.HasPrefix(ref.Path, prefix+".") {
			names = append(names, ref.Name)
		}
	}
	return names
}
