package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Dump renders the tree back into the source grammar, preserving
// declaration order, for round-trip testing (property 5) and the control
// surface's config_dump operation (spec §4.7). Comments and whitespace are
// not preserved, per property 5's "ignoring comments and whitespace".
func (b *Block) Dump() string {
	var sb strings.Builder
	b.dumpChildren(&sb, 0)
	return sb.String()
}

func (b *Block) dumpChildren(sb *strings.Builder, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, e := range b.entries {
		switch e.kind {
		case entryParam:
			sb.WriteString(pad)
			sb.WriteString(e.key)
			sb.WriteString(" = ")
			writeScalarList(sb, b.params[e.key])
			sb.WriteString("\n")
		case entryChild:
			child := b.children[e.key][e.idx]
			sb.WriteString(pad)
			sb.WriteString(e.key)
			sb.WriteString("(")
			writeScalarList(sb, child.Args)
			sb.WriteString(")")
			if len(child.entries) > 0 {
				sb.WriteString(" {\n")
				child.dumpChildren(sb, indent+1)
				sb.WriteString(pad)
				sb.WriteString("}\n")
			} else {
				sb.WriteString(" {}\n")
			}
		}
	}
}

func writeScalarList(sb *strings.Builder, values []Scalar) {
	for i, v := range values {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeScalar(sb, v)
	}
}

func writeScalar(sb *strings.Builder, s Scalar) {
	switch s.Kind {
	case KindInt:
		sb.WriteString(strconv.FormatInt(s.Int, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(s.Float, 'g', -1, 64))
	case KindString:
		sb.WriteString(fmt.Sprintf("%q", s.Str))
	case KindIdent:
		sb.WriteString(s.Str)
	case KindRange:
		sb.WriteString(strconv.FormatInt(s.RangeLo, 10))
		sb.WriteString("..")
		sb.WriteString(strconv.FormatInt(s.RangeHi, 10))
	}
	if s.Unit != UnitNone {
		sb.WriteString(" ")
		sb.WriteString(s.Unit.String())
	}
}
