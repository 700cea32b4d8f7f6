package fieldpath

import (
	"strconv"

	"github.com/alecthomas/participle/v2"
)

var parser = participle.MustBuild[pathAST]()

type pathAST struct {
	Sections []*section `@@*`
}

type section struct {
	Field *string `"."* (@Ident`
	Index *index  `| "[" @@ "]")`
}

type index struct {
	Element *int     `@Int`
	Key     *string  `| @String`
	Matcher *matcher `| @@`
}

type matcher struct {
	Key   string `@Ident "="`
	Value string `@String`
}

// name returns the map key addressed by the section, if any.
func (s *section) name() (string, bool) {
	if s.Field != nil {
		return *s.Field, true
	}
	if s.Index != nil && s.Index.Key != nil {
		return unquote(*s.Index.Key), true
	}
	return "", false
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}
