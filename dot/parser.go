package dot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/petal-labs/dotflow"
)

// Parse tokenizes and parses a pipeline graph source.
func Parse(src []byte) (*dotflow.Graph, error) {
	tokens, err := Lex(string(src))
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	return p.parseGraph()
}

// defaultsFrame holds the scoped node and edge defaults in effect.
// Every subgraph pushes a fresh frame inheriting its parent's values.
type defaultsFrame struct {
	node map[string]any
	edge map[string]any
}

func (f defaultsFrame) clone() defaultsFrame {
	out := defaultsFrame{
		node: make(map[string]any, len(f.node)),
		edge: make(map[string]any, len(f.edge)),
	}
	for k, v := range f.node {
		out.node[k] = v
	}
	for k, v := range f.edge {
		out.edge[k] = v
	}
	return out
}

type parser struct {
	tokens []Token
	pos    int
	graph  *dotflow.Graph
	frames []defaultsFrame
}

func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() Token {
	tok := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.current()
	if tok.Kind != kind {
		return tok, errAt(tok.Line, tok.Col, "expected %s but got %s", kind, tok.Kind)
	}
	p.advance()
	return tok, nil
}

func (p *parser) frame() *defaultsFrame {
	return &p.frames[len(p.frames)-1]
}

// isKeyword reports whether the current token is the given keyword.
// Keywords are case-insensitive; identifiers are case-sensitive.
func (p *parser) isKeyword(word string) bool {
	tok := p.current()
	return tok.Kind == TokenIdent && strings.EqualFold(tok.Value, word)
}

func (p *parser) parseGraph() (*dotflow.Graph, error) {
	tok := p.current()
	if !p.isKeyword("digraph") {
		return nil, errAt(tok.Line, tok.Col, "expected \"digraph\" but got %q", tok.Value)
	}
	p.advance()

	name := ""
	if p.current().Kind == TokenIdent || p.current().Kind == TokenString {
		name = p.advance().Value
	}

	p.graph = dotflow.NewGraph(name)
	p.frames = []defaultsFrame{{node: map[string]any{}, edge: map[string]any{}}}

	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, err
	}
	if err := p.parseStatements(nil); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, err
	}
	if tok := p.current(); tok.Kind != TokenEOF {
		return nil, errAt(tok.Line, tok.Col, "unexpected trailing %s", tok.Kind)
	}
	return p.graph, nil
}

// parseStatements consumes statements until the closing brace. When sg is
// non-nil, statements are parsed in subgraph scope: declared nodes are
// recorded against the subgraph and label assignments are captured there.
func (p *parser) parseStatements(sg *dotflow.Subgraph) error {
	for {
		tok := p.current()
		switch {
		case tok.Kind == TokenRBrace || tok.Kind == TokenEOF:
			return nil

		case tok.Kind == TokenSemi:
			p.advance()

		case p.isKeyword("graph"):
			p.advance()
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				p.graph.Attrs[k] = v
			}

		case p.isKeyword("node"):
			p.advance()
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				p.frame().node[k] = v
			}

		case p.isKeyword("edge"):
			p.advance()
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				p.frame().edge[k] = v
			}

		case p.isKeyword("subgraph"):
			if err := p.parseSubgraph(); err != nil {
				return err
			}

		case tok.Kind == TokenIdent || tok.Kind == TokenString:
			if err := p.parseNodeOrEdgeOrAssign(sg); err != nil {
				return err
			}

		default:
			return errAt(tok.Line, tok.Col, "unexpected %s", tok.Kind)
		}
	}
}

func (p *parser) parseSubgraph() error {
	p.advance() // subgraph keyword

	id := ""
	if p.current().Kind == TokenIdent || p.current().Kind == TokenString {
		id = p.advance().Value
	}
	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}

	// Fresh defaults frame inheriting the parent scope.
	p.frames = append(p.frames, p.frame().clone())

	sg := &dotflow.Subgraph{ID: id}
	if err := p.parseStatements(sg); err != nil {
		return err
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return err
	}

	sg.NodeDefaults = p.frame().node
	sg.EdgeDefaults = p.frame().edge
	p.frames = p.frames[:len(p.frames)-1]

	// Auto-apply the label-derived class to contained nodes that did not
	// set one explicitly.
	if class := sg.DerivedClass(); class != "" {
		for _, nodeID := range sg.NodeIDs {
			if n, ok := p.graph.Node(nodeID); ok && !n.Explicit["class"] {
				n.SetDefault("class", class)
			}
		}
	}

	p.graph.Subgraphs = append(p.graph.Subgraphs, sg)
	return nil
}

// parseNodeOrEdgeOrAssign handles the three statements that begin with an
// identifier: a bare key = value assignment, a node declaration, or a
// (possibly chained) edge declaration.
func (p *parser) parseNodeOrEdgeOrAssign(sg *dotflow.Subgraph) error {
	first := p.advance()

	// Bare assignment: key = value.
	if p.current().Kind == TokenEquals {
		p.advance()
		value, err := p.parseValue()
		if err != nil {
			return err
		}
		if sg != nil && first.Value == "label" {
			// A subgraph-scope label names the subgraph, it is not a
			// graph attribute.
			if s, ok := value.(string); ok {
				sg.Label = s
			} else {
				sg.Label = fmt.Sprint(value)
			}
			return nil
		}
		p.graph.Attrs[first.Value] = value
		return nil
	}

	// Edge chain: A -> B -> C [attrs].
	if p.current().Kind == TokenArrow {
		ids := []string{first.Value}
		for p.current().Kind == TokenArrow {
			p.advance()
			target, err := p.parseNodeID()
			if err != nil {
				return err
			}
			ids = append(ids, target)
		}
		attrs, err := p.parseAttrBlock()
		if err != nil {
			return err
		}
		for _, id := range ids {
			p.ensureNode(id, sg)
		}
		for i := 0; i+1 < len(ids); i++ {
			edge := dotflow.NewEdge(ids[i], ids[i+1])
			for k, v := range p.frame().edge {
				edge.Attrs[k] = v
			}
			// Each edge of the chain receives the same explicit attributes.
			for k, v := range attrs {
				edge.Attrs[k] = v
			}
			p.graph.AddEdge(edge)
		}
		return nil
	}

	// Node declaration.
	attrs, err := p.parseAttrBlock()
	if err != nil {
		return err
	}
	node := p.ensureNode(first.Value, sg)
	for k, v := range attrs {
		node.SetAttr(k, v)
	}
	return nil
}

func (p *parser) parseNodeID() (string, error) {
	tok := p.current()
	if tok.Kind != TokenIdent && tok.Kind != TokenString {
		return "", errAt(tok.Line, tok.Col, "expected node ID but got %s", tok.Kind)
	}
	p.advance()
	return tok.Value, nil
}

// ensureNode returns the node with the given ID, creating it with the
// current scope's defaults on first reference.
func (p *parser) ensureNode(id string, sg *dotflow.Subgraph) *dotflow.Node {
	if n, ok := p.graph.Node(id); ok {
		return n
	}
	n := dotflow.NewNode(id)
	for k, v := range p.frame().node {
		n.SetDefault(k, v)
	}
	_ = p.graph.AddNode(n)
	if sg != nil {
		sg.NodeIDs = append(sg.NodeIDs, id)
	}
	return n
}

// parseAttrBlock parses an optional [key=value, ...] block. Returns an
// empty map when no block is present.
func (p *parser) parseAttrBlock() (map[string]any, error) {
	attrs := make(map[string]any)
	if p.current().Kind != TokenLBracket {
		return attrs, nil
	}
	p.advance()

	for {
		tok := p.current()
		switch tok.Kind {
		case TokenRBracket:
			p.advance()
			return attrs, nil
		case TokenComma, TokenSemi:
			p.advance()
		case TokenIdent:
			key := p.advance().Value
			if _, err := p.expect(TokenEquals); err != nil {
				return nil, err
			}
			value, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			attrs[key] = value
		default:
			return nil, errAt(tok.Line, tok.Col, "expected attribute name but got %s", tok.Kind)
		}
	}
}

// parseValue parses an attribute value token and coerces it. Quoted
// strings stay strings verbatim; bare tokens go through CoerceValue.
func (p *parser) parseValue() (any, error) {
	tok := p.current()
	switch tok.Kind {
	case TokenString:
		p.advance()
		return tok.Value, nil
	case TokenInt:
		p.advance()
		n, err := strconv.Atoi(tok.Value)
		if err != nil {
			return nil, errAt(tok.Line, tok.Col, "invalid integer %q", tok.Value)
		}
		return n, nil
	case TokenFloat:
		p.advance()
		f, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, errAt(tok.Line, tok.Col, "invalid float %q", tok.Value)
		}
		return f, nil
	case TokenIdent:
		p.advance()
		return CoerceValue(tok.Value), nil
	default:
		return nil, errAt(tok.Line, tok.Col, "expected value but got %s", tok.Kind)
	}
}
