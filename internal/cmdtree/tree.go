package cmdtree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/g960059/vlab/internal/scpi"
)

// Tree maps normalized command keys to handlers. A tree is populated once per
// instrument kind, frozen, and then shared read-only by every instance of that
// kind. Lookups fall back to the parent chain, so a derived registration
// shadows the same key in its base.
type Tree struct {
	name    string
	entries map[string]Handler
	parent  *Tree
	frozen  bool
}

func New(name string) *Tree {
	return &Tree{name: name, entries: map[string]Handler{}}
}

// Extend returns an empty tree whose lookups fall back to t.
func (t *Tree) Extend(name string) *Tree {
	child := New(name)
	child.parent = t
	return child
}

func (t *Tree) Name() string { return t.name }

// Register binds every key accepted by pattern to h, replacing earlier local
// registrations. It panics on a malformed pattern or a frozen tree: trees are
// built at package initialization and either case is a programming error.
func (t *Tree) Register(pattern string, h Handler) {
	if t.frozen {
		panic(fmt.Sprintf("cmdtree: register %q on frozen tree %s", pattern, t.name))
	}
	if h == nil {
		panic(fmt.Sprintf("cmdtree: nil handler for %q", pattern))
	}
	keys, err := scpi.ExpandHeader(pattern)
	if err != nil {
		panic(fmt.Sprintf("cmdtree: %s: %v", t.name, err))
	}
	for _, key := range keys {
		t.entries[key] = h
	}
}

// Freeze marks t immutable and returns it.
func (t *Tree) Freeze() *Tree {
	t.frozen = true
	return t
}

// Resolve looks key up case-insensitively, most-derived tree first.
func (t *Tree) Resolve(key string) (Handler, error) {
	norm := scpi.NormalizeKey(key)
	for cur := t; cur != nil; cur = cur.parent {
		if h, ok := cur.entries[norm]; ok {
			return h, nil
		}
	}
	return nil, &scpi.UnknownCommandError{Header: norm}
}

// Keys lists every key reachable from t, sorted.
func (t *Tree) Keys() []string {
	seen := map[string]struct{}{}
	for cur := t; cur != nil; cur = cur.parent {
		for k := range cur.entries {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Failure records one sub-command that did not complete.
type Failure struct {
	Command string
	Query   bool
	// Reported is true when the error text took a slot in the reply.
	Reported bool
	Err      error
}

// Result is the outcome of dispatching one protocol line.
type Result struct {
	Replies  []string
	Failures []Failure
}

func (r Result) HasReply() bool { return len(r.Replies) > 0 }

// Reply joins the reply values of every query, in order.
func (r Result) Reply() string {
	return strings.Join(r.Replies, scpi.ReplySeparator)
}

// Dispatch runs every sub-command of line against recv, left to right. A
// failing sub-command never stops the ones after it. Queries always take a
// reply slot, holding the error text on failure. Setters reply only with the
// error text of a handler that ran and failed; unknown or malformed setters
// are recorded in Failures without reply text.
func (t *Tree) Dispatch(recv any, line string) Result {
	return t.DispatchWith(recv, line, nil)
}

// DispatchWith is Dispatch with report called for each failure as soon as it
// happens, before the next sub-command runs.
func (t *Tree) DispatchWith(recv any, line string, report func(Failure)) Result {
	var (
		res  Result
		path scpi.Path
	)
	for _, raw := range scpi.SplitUnits(line) {
		reply, query, err := t.dispatchUnit(recv, &path, raw)
		if err == nil {
			if query {
				res.Replies = append(res.Replies, reply)
			}
			continue
		}
		f := Failure{Command: raw, Query: query, Err: err}
		if query || handlerFailure(err) {
			f.Reported = true
			res.Replies = append(res.Replies, scpi.ErrorText(err))
		}
		res.Failures = append(res.Failures, f)
		if report != nil {
			report(f)
		}
	}
	return res
}

func (t *Tree) dispatchUnit(recv any, path *scpi.Path, raw string) (reply string, query bool, err error) {
	u, err := scpi.ParseUnit(raw)
	if err != nil {
		return "", scpi.LooksLikeQuery(raw), err
	}
	h, err := t.Resolve(path.Resolve(u))
	if err != nil {
		return "", u.Query, err
	}
	query = u.Query
	defer func() {
		if r := recover(); r != nil {
			reply, err = "", fmt.Errorf("%s: handler panic: %v", u.Header, r)
		}
	}()
	reply, err = h.Call(recv, u.Params)
	return reply, query, err
}

func handlerFailure(err error) bool {
	switch err.(type) {
	case *scpi.ParseError, *scpi.UnknownCommandError:
		return false
	}
	return true
}
