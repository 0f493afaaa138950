package templates

import (
	"fmt"
	"slices"
	"text/template"
	"text/template/parse"
)

// analyzer walks a parsed template and reports the first context variable or
// bound parameter the render would need but the context lacks. Conditional
// blocks gated by a plain boolean variable only contribute the branch that
// will execute.
type analyzer struct {
	tmpl    *template.Template
	ctx     Context
	visited map[string]bool
}

type requirementError struct {
	name string
	err  error
}

func (e *requirementError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.name, e.err)
	}
	return fmt.Sprintf("%s: not set", e.name)
}

func analyze(t *template.Template, ctx Context) error {
	a := &analyzer{tmpl: t, ctx: ctx, visited: map[string]bool{}}
	if t.Tree == nil {
		return nil
	}
	return a.walk(t.Tree.Root, true)
}

func (a *analyzer) requireVar(name string) error {
	if _, ok := a.ctx.Vars[name]; !ok {
		return &requirementError{name: name}
	}
	return nil
}

func (a *analyzer) requireParam(name string) error {
	if _, ok := a.ctx.Params[name]; !ok {
		return &requirementError{name: name}
	}
	return nil
}

// walk visits node. rootDot is false inside range and with bodies, where
// field references no longer address the context.
func (a *analyzer) walk(node parse.Node, rootDot bool) error {
	switch n := node.(type) {
	case nil:
		return nil
	case *parse.ListNode:
		if n == nil {
			return nil
		}
		for _, child := range n.Nodes {
			if err := a.walk(child, rootDot); err != nil {
				return err
			}
		}
	case *parse.ActionNode:
		return a.pipe(n.Pipe, rootDot)
	case *parse.IfNode:
		return a.ifNode(n, rootDot)
	case *parse.RangeNode:
		return a.scoped(&n.BranchNode, rootDot)
	case *parse.WithNode:
		return a.scoped(&n.BranchNode, rootDot)
	case *parse.TemplateNode:
		return a.templateNode(n, rootDot)
	}
	return nil
}

func (a *analyzer) scoped(b *parse.BranchNode, rootDot bool) error {
	if err := a.pipe(b.Pipe, rootDot); err != nil {
		return err
	}
	if err := a.walk(b.List, false); err != nil {
		return err
	}
	return a.walk(b.ElseList, rootDot)
}

func (a *analyzer) ifNode(n *parse.IfNode, rootDot bool) error {
	name, negated, ok := flagCondition(n.Pipe, rootDot)
	if !ok {
		if err := a.pipe(n.Pipe, rootDot); err != nil {
			return err
		}
		if err := a.walk(n.List, rootDot); err != nil {
			return err
		}
		return a.walk(n.ElseList, rootDot)
	}

	if err := a.requireVar(name); err != nil {
		return err
	}
	flag, isBool := a.ctx.Vars[name].(bool)
	if !isBool {
		return &requirementError{name: name, err: fmt.Errorf("must be a boolean, got %T", a.ctx.Vars[name])}
	}
	if flag != negated {
		return a.walk(n.List, rootDot)
	}
	return a.walk(n.ElseList, rootDot)
}

// flagCondition recognises `if .flag`, `if $.flag` and `if not .flag`.
func flagCondition(p *parse.PipeNode, rootDot bool) (string, bool, bool) {
	if p == nil || len(p.Decl) > 0 || len(p.Cmds) != 1 {
		return "", false, false
	}
	args := p.Cmds[0].Args
	negated := false
	if len(args) == 2 {
		id, ok := args[0].(*parse.IdentifierNode)
		if !ok || id.Ident != "not" {
			return "", false, false
		}
		negated = true
		args = args[1:]
	}
	if len(args) != 1 {
		return "", false, false
	}
	if name, ok := rootField(args[0], rootDot); ok {
		return name, negated, true
	}
	return "", false, false
}

func rootField(node parse.Node, rootDot bool) (string, bool) {
	switch n := node.(type) {
	case *parse.FieldNode:
		if rootDot && len(n.Ident) > 0 {
			return n.Ident[0], true
		}
	case *parse.VariableNode:
		if len(n.Ident) > 1 && n.Ident[0] == "$" {
			return n.Ident[1], true
		}
	}
	return "", false
}

func (a *analyzer) pipe(p *parse.PipeNode, rootDot bool) error {
	if p == nil {
		return nil
	}
	for _, cmd := range p.Cmds {
		if err := a.command(cmd, rootDot); err != nil {
			return err
		}
	}
	return nil
}

func (a *analyzer) command(cmd *parse.CommandNode, rootDot bool) error {
	if len(cmd.Args) > 0 {
		if id, ok := cmd.Args[0].(*parse.IdentifierNode); ok {
			if keys, ok := schemaHelpers[id.Ident]; ok {
				for _, k := range keys {
					if err := a.requireVar(k); err != nil {
						return err
					}
				}
			}
			if slices.Contains(paramHelpers, id.Ident) && len(cmd.Args) > 1 {
				if s, ok := cmd.Args[1].(*parse.StringNode); ok {
					if err := a.requireParam(s.Text); err != nil {
						return err
					}
				}
			}
		}
	}

	for _, arg := range cmd.Args {
		if name, ok := rootField(arg, rootDot); ok {
			if err := a.requireVar(name); err != nil {
				return err
			}
			continue
		}
		switch n := arg.(type) {
		case *parse.PipeNode:
			if err := a.pipe(n, rootDot); err != nil {
				return err
			}
		case *parse.ChainNode:
			if inner, ok := n.Node.(*parse.PipeNode); ok {
				if err := a.pipe(inner, rootDot); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// templateNode follows {{template "name" .}} when the partial receives the
// root context.
func (a *analyzer) templateNode(n *parse.TemplateNode, rootDot bool) error {
	if n.Pipe == nil || len(n.Pipe.Cmds) != 1 || len(n.Pipe.Cmds[0].Args) != 1 {
		return a.pipe(n.Pipe, rootDot)
	}
	passesRoot := false
	switch arg := n.Pipe.Cmds[0].Args[0].(type) {
	case *parse.DotNode:
		passesRoot = rootDot
	case *parse.VariableNode:
		passesRoot = len(arg.Ident) == 1 && arg.Ident[0] == "$"
	}
	if !passesRoot || a.visited[n.Name] {
		return nil
	}
	partial := a.tmpl.Lookup(n.Name)
	if partial == nil || partial.Tree == nil {
		return nil
	}
	a.visited[n.Name] = true
	defer delete(a.visited, n.Name)
	return a.walk(partial.Tree.Root, true)
}
