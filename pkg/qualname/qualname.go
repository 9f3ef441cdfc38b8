// Package qualname parses the SQL-style identifiers carried in chat fabric
// request payloads: possibly-schema-qualified, possibly-packaged names, or
// comma-separated lists of unqualified names.
//
// Grammar:
//
//	name       := [schema "."] object ["." package]
//	list       := name ("," name)*
//	identifier := unquoted | quoted
//
// Unquoted identifiers are folded to uppercase; their first character may
// not be a digit, '$', or '_'. Quoted identifiers preserve case and content;
// a doubled quote ("") inside a quoted identifier is a literal quote.
// Any identifier longer than 63 characters, any empty identifier, and any
// name with more than two dots is InvalidName.
package qualname

import (
	"strings"

	"github.com/relaydb/ipcfabric/pkg/ipcerr"
)

// MaxIdentifierLength is the longest permitted canonical identifier.
const MaxIdentifierLength = 63

// Name is a possibly-schema-qualified, possibly-packaged identifier triple.
// Schema and Package are empty when not present in the source text.
type Name struct {
	Schema  string
	Object  string
	Package string
}

// String renders Name back to SQL-style text: uppercase-canonical parts are
// emitted bare, anything that didn't round-trip through the uppercase rule
// (i.e. originally quoted, or containing characters requiring quoting) is
// double-quoted with inner quotes doubled.
func (n Name) String() string {
	var b strings.Builder
	if n.Schema != "" {
		b.WriteString(quoteIfNeeded(n.Schema))
		b.WriteByte('.')
	}
	b.WriteString(quoteIfNeeded(n.Object))
	if n.Package != "" {
		b.WriteByte('.')
		b.WriteString(quoteIfNeeded(n.Package))
	}
	return b.String()
}

func quoteIfNeeded(id string) string {
	if isCanonicalUnquoted(id) {
		return id
	}
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// isCanonicalUnquoted reports whether id is exactly what an unquoted
// identifier would canonicalize to (all uppercase, first char not a digit,
// '$', or '_', rest drawn from the unquoted alphabet).
func isCanonicalUnquoted(id string) bool {
	if id == "" || len(id) > MaxIdentifierLength {
		return false
	}
	if !isUnquotedStart(rune(id[0])) {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isUnquotedChar(rune(c)) {
			return false
		}
		if c >= 'a' && c <= 'z' {
			return false
		}
	}
	return true
}

func isUnquotedStart(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}

func isUnquotedChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '$' || r == '_' || r == '{' || r == '}':
		return true
	}
	return false
}

// ParseSchemaObject parses the two-part `[schema "."] object` form used by
// most request payloads. More than one dot is InvalidName here even though
// the three-part schema.object.package form is legal for Parse below.
func ParseSchemaObject(s string) (Name, error) {
	parts, err := splitDots(s)
	if err != nil {
		return Name{}, err
	}

	switch len(parts) {
	case 1:
		obj, err := parseIdentifier(parts[0])
		if err != nil {
			return Name{}, err
		}
		return Name{Object: obj}, nil
	case 2:
		schema, err := parseIdentifier(parts[0])
		if err != nil {
			return Name{}, err
		}
		obj, err := parseIdentifier(parts[1])
		if err != nil {
			return Name{}, err
		}
		return Name{Schema: schema, Object: obj}, nil
	default:
		return Name{}, ipcerr.New(ipcerr.InvalidName, "qualname.ParseSchemaObject", "more than one dot in name: "+s)
	}
}

// Parse parses a single possibly-qualified, possibly-packaged name
// (general `[schema "."] object ["." package]` grammar, up to two dots).
func Parse(s string) (Name, error) {
	parts, err := splitDots(s)
	if err != nil {
		return Name{}, err
	}

	switch len(parts) {
	case 1:
		obj, err := parseIdentifier(parts[0])
		if err != nil {
			return Name{}, err
		}
		return Name{Object: obj}, nil
	case 2:
		schema, err := parseIdentifier(parts[0])
		if err != nil {
			return Name{}, err
		}
		obj, err := parseIdentifier(parts[1])
		if err != nil {
			return Name{}, err
		}
		return Name{Schema: schema, Object: obj}, nil
	case 3:
		schema, err := parseIdentifier(parts[0])
		if err != nil {
			return Name{}, err
		}
		obj, err := parseIdentifier(parts[1])
		if err != nil {
			return Name{}, err
		}
		pkg, err := parseIdentifier(parts[2])
		if err != nil {
			return Name{}, err
		}
		return Name{Schema: schema, Object: obj, Package: pkg}, nil
	default:
		return Name{}, ipcerr.New(ipcerr.InvalidName, "qualname.Parse", "more than two dots in name: "+s)
	}
}

// ParseList parses a comma-separated list of unqualified identifiers, e.g.
// `" Obj1 , \" Obj2 \" "` -> ["OBJ1", " Obj2"].
func ParseList(s string) ([]string, error) {
	var out []string
	for _, raw := range splitTopLevel(s, ',') {
		id, err := parseIdentifier(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// splitDots splits a qualified name on unquoted dots, honoring quoted
// sections (which may themselves contain dots, though the grammar here
// never produces those without an explicit separator).
func splitDots(s string) ([]string, error) {
	parts := splitTopLevel(s, '.')
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts, nil
}

// splitTopLevel splits s on sep, ignoring occurrences of sep inside a
// double-quoted run (where "" is an escaped literal quote, not a closing
// quote).
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == sep && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// parseIdentifier parses one identifier (quoted or not), already
// whitespace-trimmed around it by the caller.
func parseIdentifier(s string) (string, error) {
	s = strings.TrimSpace(s)

	if s == "" {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseIdentifier", "empty identifier")
	}

	if s[0] == '"' {
		return parseQuoted(s)
	}
	return parseUnquoted(s)
}

func parseQuoted(s string) (string, error) {
	if len(s) < 2 || s[len(s)-1] != '"' {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseQuoted", "unterminated quoted identifier: "+s)
	}

	inner := s[1 : len(s)-1]

	var b strings.Builder
	i := 0
	for i < len(inner) {
		if inner[i] == '"' {
			// must be a doubled quote, i.e. a literal quote; a lone quote
			// here means the outer quoting was malformed (e.g. `""name""`).
			if i+1 < len(inner) && inner[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseQuoted", "unescaped quote in identifier: "+s)
		}
		b.WriteByte(inner[i])
		i++
	}

	// Trailing spaces in a quoted identifier are insignificant; leading
	// ones are preserved.
	id := strings.TrimRight(b.String(), " ")
	if id == "" {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseQuoted", "empty quoted identifier")
	}
	if len(id) > MaxIdentifierLength {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseQuoted", "identifier longer than 63 characters")
	}
	return id, nil
}

func parseUnquoted(s string) (string, error) {
	if len(s) > MaxIdentifierLength {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseUnquoted", "identifier longer than 63 characters")
	}

	first := rune(s[0])
	if first >= '0' && first <= '9' {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseUnquoted", "identifier starts with digit: "+s)
	}
	if first == '$' || first == '_' {
		return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseUnquoted", "identifier starts with $ or _: "+s)
	}

	for i := 0; i < len(s); i++ {
		if !isUnquotedChar(rune(s[i])) {
			return "", ipcerr.New(ipcerr.InvalidName, "qualname.parseUnquoted", "invalid character in identifier: "+s)
		}
	}

	return strings.ToUpper(s), nil
}
