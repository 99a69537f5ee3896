package config

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileIdentity distinguishes two paths naming the same underlying file
// (including via symlinks or hard links) so `include` cycle detection isn't
// fooled by alternate spellings of the same path.
type fileIdentity struct {
	dev, ino uint64
	path     string // fallback when Stat is unavailable
}

func identify(path string) fileIdentity {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil {
		return fileIdentity{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return fileIdentity{path: filepath.Clean(abs)}
}

// Loader parses config files with `include` support and cycle detection.
type Loader struct {
	// IncludeDirs is searched, in order, for includes not found relative
	// to the including file and not absolute.
	IncludeDirs []string
	// ReadFile abstracts file access for tests; defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	stack []fileIdentity
	names []string // paths as given, parallel to stack, for error messages
}

// NewLoader returns a Loader reading from the real filesystem.
func NewLoader(includeDirs ...string) *Loader {
	return &Loader{IncludeDirs: includeDirs, ReadFile: os.ReadFile}
}

// Load parses path (and everything it includes) into a synthetic root
// block whose children are the file's top-level nodes, in declaration
// order.
func (l *Loader) Load(path string) (*Block, error) {
	root := newBlock("", Position{Path: path})
	if err := l.parseInto(root, path); err != nil {
		return nil, err
	}
	return root, nil
}

// resolve returns the candidate paths to try, in order: the path itself if
// absolute, otherwise relative to the including file's directory followed
// by each configured include directory. The caller tries each with
// ReadFile until one succeeds.
func (l *Loader) resolve(fromDir, path string) []string {
	if filepath.IsAbs(path) {
		return []string{path}
	}
	candidates := []string{filepath.Join(fromDir, path)}
	for _, dir := range l.IncludeDirs {
		candidates = append(candidates, filepath.Join(dir, path))
	}
	return candidates
}

func (l *Loader) parseInto(root *Block, path string) error {
	data, err := l.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	return l.parseBytes(root, path, data)
}

func (l *Loader) parseBytes(into *Block, path string, data []byte) error {
	id := identify(path)
	for _, seen := range l.stack {
		if seen == id {
			return &Error{Pos: Position{Path: path}, Msg: fmt.Sprintf("include cycle: %s already included by %s", path, l.names[len(l.names)-1])}
		}
	}
	l.stack = append(l.stack, id)
	l.names = append(l.names, path)
	defer func() {
		l.stack = l.stack[:len(l.stack)-1]
		l.names = l.names[:len(l.names)-1]
	}()

	p := &parser{lex: newLexer(path, string(data)), loader: l, dir: filepath.Dir(path)}
	if err := p.advance(); err != nil {
		return err
	}
	return p.parseNodes(into, tokEOF)
}

type parser struct {
	lex    *lexer
	tok    token
	loader *Loader
	dir    string
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.tok.kind != k {
		return token{}, &Error{Pos: p.tok.pos, Msg: fmt.Sprintf("expected %s, got %q", what, p.tok.text)}
	}
	t := p.tok
	return t, p.advance()
}

// parseNodes parses a sequence of top-level nodes until `until` is seen
// (tokEOF at file scope, tokRBrace inside a block body).
func (p *parser) parseNodes(into *Block, until tokenKind) error {
	for p.tok.kind != until {
		if p.tok.kind == tokEOF {
			return &Error{Pos: p.tok.pos, Msg: "unexpected end of file"}
		}
		if err := p.parseNode(into); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseNode(into *Block) error {
	if p.tok.kind != tokIdent {
		return &Error{Pos: p.tok.pos, Msg: fmt.Sprintf("expected identifier, got %q", p.tok.text)}
	}
	name := p.tok.text
	pos := p.tok.pos
	if err := p.advance(); err != nil {
		return err
	}

	if name == "include" {
		return p.parseInclude(into)
	}

	switch p.tok.kind {
	case tokEquals:
		if err := p.advance(); err != nil {
			return err
		}
		values, err := p.parseScalarList()
		if err != nil {
			return err
		}
		into.addParam(name, values)
		p.consumeOptionalSemicolon()
		return nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return err
		}
		var args []Scalar
		if p.tok.kind != tokRParen {
			var err error
			args, err = p.parseScalarList()
			if err != nil {
				return err
			}
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return err
		}
		child := newBlock(name, pos)
		child.Args = args
		if p.tok.kind == tokLBrace {
			if err := p.advance(); err != nil {
				return err
			}
			if err := p.parseNodes(child, tokRBrace); err != nil {
				return err
			}
			if _, err := p.expect(tokRBrace, "}"); err != nil {
				return err
			}
		}
		into.addChild(name, child)
		p.consumeOptionalSemicolon()
		return nil
	case tokLBrace:
		// KEY{...} is shorthand for KEY(){...} (e.g. BARRIER{}).
		if err := p.advance(); err != nil {
			return err
		}
		child := newBlock(name, pos)
		if err := p.parseNodes(child, tokRBrace); err != nil {
			return err
		}
		if _, err := p.expect(tokRBrace, "}"); err != nil {
			return err
		}
		into.addChild(name, child)
		p.consumeOptionalSemicolon()
		return nil
	default:
		return &Error{Pos: p.tok.pos, Msg: fmt.Sprintf("expected '=' or '(' after %q, got %q", name, p.tok.text)}
	}
}

func (p *parser) consumeOptionalSemicolon() {
	if p.tok.kind == tokSemicolon {
		p.advance()
	}
}

func (p *parser) parseScalarList() ([]Scalar, error) {
	var out []Scalar
	for {
		s, err := p.parseScalar()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		if p.tok.kind != tokComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *parser) parseScalar() (Scalar, error) {
	pos := p.tok.pos
	var s Scalar
	s.Pos = pos
	switch p.tok.kind {
	case tokInt:
		s.Kind = KindInt
		s.Int = p.tok.ival
	case tokFloat:
		s.Kind = KindFloat
		s.Float = p.tok.fval
	case tokString:
		s.Kind = KindString
		s.Str = p.tok.text
	case tokRange:
		s.Kind = KindRange
		s.RangeLo = p.tok.lo
		s.RangeHi = p.tok.hi
	case tokIdent:
		s.Kind = KindIdent
		s.Str = p.tok.text
	default:
		return Scalar{}, &Error{Pos: pos, Msg: fmt.Sprintf("expected value, got %q", p.tok.text)}
	}
	if err := p.advance(); err != nil {
		return Scalar{}, err
	}
	if s.Kind == KindInt || s.Kind == KindFloat {
		if p.tok.kind == tokIdent {
			if u, ok := unitsBySuffix[p.tok.text]; ok {
				s.Unit = u
				if err := p.advance(); err != nil {
					return Scalar{}, err
				}
			}
		}
	}
	return s, nil
}

func (p *parser) parseInclude(into *Block) error {
	pos := p.tok.pos
	if p.tok.kind != tokString {
		return &Error{Pos: pos, Msg: fmt.Sprintf("include: expected quoted path, got %q", p.tok.text)}
	}
	path := p.tok.text
	if err := p.advance(); err != nil {
		return err
	}
	p.consumeOptionalSemicolon()
	candidates := p.loader.resolve(p.dir, path)
	var lastErr error
	for _, candidate := range candidates {
		data, err := p.loader.ReadFile(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		return p.loader.parseBytes(into, candidate, data)
	}
	return &Error{Pos: pos, Msg: fmt.Sprintf("include %q: not found (%v)", path, lastErr)}
}

// ParseSnippet parses a block-only fragment of at most 256 bytes, used by
// control-plane reconfiguration (spec §6.1). It never follows includes.
func ParseSnippet(data []byte) (*Block, error) {
	if len(data) > 256 {
		return nil, &Error{Msg: fmt.Sprintf("snippet too large: %d bytes (max 256)", len(data))}
	}
	root := newBlock("", Position{Path: "<snippet>"})
	p := &parser{lex: newLexer("<snippet>", string(data))}
	if err := p.advance(); err != nil {
		return nil, err
	}
	for p.tok.kind != tokEOF {
		if p.tok.kind != tokIdent {
			return nil, &Error{Pos: p.tok.pos, Msg: fmt.Sprintf("snippet: expected identifier, got %q", p.tok.text)}
		}
		name := p.tok.text
		if name == "include" {
			return nil, &Error{Pos: p.tok.pos, Msg: "snippet: include is not allowed"}
		}
		if err := p.parseNode(root); err != nil {
			return nil, err
		}
	}
	return root, nil
}
