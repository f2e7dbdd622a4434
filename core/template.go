package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Expander expands endpoint SQL templates using the bounded mustache-like
// syntax from §4.C. Partials are resolved from a single bounded root
// directory; ".." path components are rejected so templates cannot escape
// the template root (§9 design notes).
type Expander struct {
	root string
}

// NewExpander returns an Expander rooted at templateRoot.
func NewExpander(templateRoot string) *Expander {
	return &Expander{root: templateRoot}
}

// Expand renders tmpl against ctx (the binding scope: params/conn/context/
// env/cache, see §4.C).
func (x *Expander) Expand(tmpl string, ctx map[string]interface{}) (string, error) {
	tokens, err := tokenizeTemplate(tmpl)
	if err != nil {
		return "", err
	}
	nodes, _, err := parseTemplateTokens(tokens, 0, "")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := x.render(&buf, nodes, []map[string]interface{}{ctx}, 0); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ExpandFile loads relPath from the template root and expands it.
func (x *Expander) ExpandFile(relPath string, ctx map[string]interface{}) (string, error) {
	b, err := x.readTemplateFile(relPath)
	if err != nil {
		return "", err
	}
	return x.Expand(string(b), ctx)
}

func (x *Expander) readTemplateFile(relPath string) ([]byte, error) {
	if strings.Contains(relPath, "..") {
		return nil, fmt.Errorf("template path %q escapes template root", relPath)
	}
	full := filepath.Join(x.root, relPath)
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading template %q: %w", relPath, err)
	}
	return b, nil
}

const maxPartialDepth = 32

// --- tokenizer ---

type tplTokenKind int

const (
	tokText tplTokenKind = iota
	tokVar
	tokSectionOpen
	tokSectionInverted
	tokSectionClose
	tokPartial
	tokComment
)

type tplToken struct {
	kind tplTokenKind
	text string
	name string
}

func tokenizeTemplate(tmpl string) ([]tplToken, error) {
	var tokens []tplToken
	pos := 0
	for pos < len(tmpl) {
		idx := strings.Index(tmpl[pos:], "{{")
		if idx < 0 {
			tokens = append(tokens, tplToken{kind: tokText, text: tmpl[pos:]})
			break
		}
		if idx > 0 {
			tokens = append(tokens, tplToken{kind: tokText, text: tmpl[pos : pos+idx]})
		}
		pos += idx

		if strings.HasPrefix(tmpl[pos:], "{{{") {
			end := strings.Index(tmpl[pos:], "}}}")
			if end < 0 {
				return nil, fmt.Errorf("unterminated {{{ tag")
			}
			name := strings.TrimSpace(tmpl[pos+3 : pos+end])
			tokens = append(tokens, tplToken{kind: tokVar, name: name})
			pos += end + 3
			continue
		}

		end := strings.Index(tmpl[pos:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated {{ tag")
		}
		inner := tmpl[pos+2 : pos+end]
		pos += end + 2

		if inner == "" {
			continue
		}
		switch inner[0] {
		case '!':
			tokens = append(tokens, tplToken{kind: tokComment})
		case '#':
			tokens = append(tokens, tplToken{kind: tokSectionOpen, name: strings.TrimSpace(inner[1:])})
		case '^':
			tokens = append(tokens, tplToken{kind: tokSectionInverted, name: strings.TrimSpace(inner[1:])})
		case '/':
			tokens = append(tokens, tplToken{kind: tokSectionClose, name: strings.TrimSpace(inner[1:])})
		case '>':
			tokens = append(tokens, tplToken{kind: tokPartial, name: strings.TrimSpace(inner[1:])})
		default:
			tokens = append(tokens, tplToken{kind: tokVar, name: strings.TrimSpace(inner)})
		}
	}
	return tokens, nil
}

// --- AST ---

type tplNode interface{}

type textNode struct{ text string }
type varNode struct{ name string }
type partialNode struct{ name string }
type sectionNode struct {
	name     string
	inverted bool
	children []tplNode
}

func parseTemplateTokens(tokens []tplToken, pos int, openName string) ([]tplNode, int, error) {
	var nodes []tplNode
	for pos < len(tokens) {
		t := tokens[pos]
		switch t.kind {
		case tokText:
			nodes = append(nodes, textNode{t.text})
			pos++
		case tokComment:
			pos++
		case tokVar:
			nodes = append(nodes, varNode{t.name})
			pos++
		case tokPartial:
			nodes = append(nodes, partialNode{t.name})
			pos++
		case tokSectionOpen, tokSectionInverted:
			children, next, err := parseTemplateTokens(tokens, pos+1, t.name)
			if err != nil {
				return nil, 0, err
			}
			nodes = append(nodes, sectionNode{name: t.name, inverted: t.kind == tokSectionInverted, children: children})
			pos = next
		case tokSectionClose:
			if openName == "" {
				return nil, 0, fmt.Errorf("unexpected closing section %q", t.name)
			}
			if t.name != openName {
				return nil, 0, fmt.Errorf("mismatched section close: expected %q got %q", openName, t.name)
			}
			return nodes, pos + 1, nil
		}
	}
	if openName != "" {
		return nil, 0, fmt.Errorf("unterminated section %q", openName)
	}
	return nodes, pos, nil
}

// --- rendering ---

func (x *Expander) render(buf *bytes.Buffer, nodes []tplNode, scopes []map[string]interface{}, depth int) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			buf.WriteString(v.text)

		case varNode:
			val, _ := lookupScoped(scopes, v.name)
			buf.WriteString(stringifyTemplateValue(val))

		case partialNode:
			if depth >= maxPartialDepth {
				return fmt.Errorf("partial %q exceeds max nesting depth", v.name)
			}
			b, err := x.readTemplateFile(v.name)
			if err != nil {
				return err
			}
			tokens, err := tokenizeTemplate(string(b))
			if err != nil {
				return err
			}
			pnodes, _, err := parseTemplateTokens(tokens, 0, "")
			if err != nil {
				return err
			}
			if err := x.render(buf, pnodes, scopes, depth+1); err != nil {
				return err
			}

		case sectionNode:
			val, found := lookupScoped(scopes, v.name)
			truthy := found && isTruthyValue(val)

			if v.inverted {
				if !truthy {
					if err := x.render(buf, v.children, scopes, depth); err != nil {
						return err
					}
				}
				continue
			}
			if !truthy {
				continue
			}
			switch list := val.(type) {
			case []interface{}:
				for _, item := range list {
					childScope, ok := item.(map[string]interface{})
					if !ok {
						childScope = map[string]interface{}{".": item}
					}
					if err := x.render(buf, v.children, append(scopes, childScope), depth); err != nil {
						return err
					}
				}
			case map[string]interface{}:
				if err := x.render(buf, v.children, append(scopes, list), depth); err != nil {
					return err
				}
			default:
				if err := x.render(buf, v.children, scopes, depth); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// lookupScoped resolves a (possibly dotted) variable name against a stack
// of binding scopes, innermost last (§4.C bindings: params/conn/context/
// env/cache). An undefined variable returns (nil, false); callers treat
// that as empty-string/falsy per the undefined-variable policy.
func lookupScoped(scopes []map[string]interface{}, name string) (interface{}, bool) {
	if name == "." {
		if len(scopes) > 0 {
			if v, ok := scopes[len(scopes)-1]["."]; ok {
				return v, true
			}
		}
		return nil, false
	}

	parts := strings.Split(name, ".")
	for i := len(scopes) - 1; i >= 0; i-- {
		if v, ok := scopes[i][parts[0]]; ok {
			return walkPath(v, parts[1:])
		}
	}
	return nil, false
}

func walkPath(v interface{}, rest []string) (interface{}, bool) {
	cur := v
	for _, p := range rest {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// isTruthyValue implements §4.C section truthiness rules.
func isTruthyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

// stringifyTemplateValue renders any bound value as the literal text
// substituted into the SQL template. The expander performs no SQL
// escaping — per §4.G, quoting/escaping is the template author's
// responsibility via validator-enforced injection prevention.
func stringifyTemplateValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
