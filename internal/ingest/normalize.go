package ingest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentic-research/taxa/api"
)

// ErrShape reports a chunk body that is neither a structured node, an array
// of nodes, nor a nested key map.
var ErrShape = errors.New("unsupported chunk shape")

// metadataKeys are never treated as child groups in a nested key map.
var metadataKeys = map[string]bool{"name": true, "level": true, "lazy": true, "id": true}

// IsStructured reports whether v is a {name, children} node object.
func IsStructured(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, hasName := m["name"]
	_, hasKids := m["children"]
	return hasName || hasKids
}

// IsNestedMap reports whether v is a nested key map: an object whose keys
// are group names.
func IsNestedMap(v any) bool {
	m, ok := v.(map[string]any)
	return ok && !IsStructured(m)
}

// DeepMerge merges src into dst. Objects merge key by key; any other value
// from src replaces what dst holds. Values are copied out of src so dst never
// aliases it.
func DeepMerge(dst, src map[string]any) {
	type pair struct{ dst, src map[string]any }
	stack := []pair{{dst, src}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for k, v := range p.src {
			sv, srcIsMap := v.(map[string]any)
			dv, dstIsMap := p.dst[k].(map[string]any)
			if srcIsMap && dstIsMap {
				stack = append(stack, pair{dv, sv})
				continue
			}
			p.dst[k] = deepCopy(v)
		}
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		type pair struct{ dst, src map[string]any }
		stack := []pair{{out, t}}
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for k, sv := range p.src {
				if m, ok := sv.(map[string]any); ok {
					c := make(map[string]any, len(m))
					p.dst[k] = c
					stack = append(stack, pair{c, m})
					continue
				}
				p.dst[k] = sv
			}
		}
		return out
	default:
		// Arrays and scalars are never mutated after parsing.
		return v
	}
}

// NestedToStructured converts a nested key map into a {name, children} tree
// rooted at name. Object and null values become child groups (null is a
// leaf); scalars and metadata keys are ignored, except that lazy placeholder
// markers are carried over. Keys are visited in sorted order so the result
// does not depend on map iteration.
func NestedToStructured(name string, m map[string]any) map[string]any {
	root := map[string]any{"name": name}
	type pair struct {
		out map[string]any
		in  map[string]any
	}
	stack := []pair{{root, m}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		keys := make([]string, 0, len(p.in))
		for k := range p.in {
			if !metadataKeys[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		children := make([]any, 0, len(keys))
		for _, k := range keys {
			switch v := p.in[k].(type) {
			case map[string]any:
				child := map[string]any{"name": k}
				children = append(children, child)
				stack = append(stack, pair{child, v})
			case nil:
				children = append(children, map[string]any{"name": k})
			}
		}
		if len(children) > 0 {
			p.out["children"] = children
		}
		if file, ok := placeholder(p.in); ok {
			p.out["lazy"] = true
			p.out["id"] = file
		}
	}
	return root
}

// groupKeys returns the keys of m that name child groups.
func groupKeys(m map[string]any) []string {
	var keys []string
	for k, v := range m {
		if metadataKeys[k] {
			continue
		}
		switch v.(type) {
		case map[string]any, nil:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// NormalizeRoot turns a whole-tree body into structured form. A nested map
// with exactly one group key takes that key as its root name; otherwise the
// groups hang off a synthetic root called fallback.
func NormalizeRoot(body map[string]any, fallback string) map[string]any {
	if IsStructured(body) {
		return body
	}
	if fallback == "" {
		fallback = api.DefaultRootName
	}
	if keys := groupKeys(body); len(keys) == 1 {
		inner, _ := body[keys[0]].(map[string]any)
		return NestedToStructured(keys[0], inner)
	}
	return NestedToStructured(fallback, body)
}

// NormalizeSubtree turns a fetched stub body into structured form rooted at
// the stub's own name. Accepted shapes are a structured node, an array of
// structured children, or a nested key map (optionally wrapped in a single
// key equal to stubName).
func NormalizeSubtree(body any, stubName string) (map[string]any, error) {
	switch b := body.(type) {
	case []any:
		return map[string]any{"name": stubName, "children": b}, nil
	case map[string]any:
		if IsStructured(b) {
			return b, nil
		}
		if inner, ok := b[stubName].(map[string]any); ok && len(groupKeys(b)) == 1 {
			return NestedToStructured(stubName, inner), nil
		}
		return NestedToStructured(stubName, b), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrShape, body)
	}
}

// MergeShards combines eagerly loaded file bodies into one structured root.
// Structured roots contribute their children in order; nested maps are deep
// merged and converted; arrays are taken as lists of top-level children.
func MergeShards(bodies []any, rootName string) (map[string]any, error) {
	var (
		children   []any
		nested     = map[string]any{}
		nestedSeen bool
		firstName  string
	)
	for i, b := range bodies {
		switch v := b.(type) {
		case []any:
			children = append(children, v...)
		case map[string]any:
			if IsStructured(v) {
				children = append(children, childrenOf(v)...)
				if firstName == "" {
					firstName = stringify(v["name"])
				}
				continue
			}
			DeepMerge(nested, v)
			nestedSeen = true
		default:
			return nil, fmt.Errorf("%w: shard %d is %T", ErrShape, i, b)
		}
	}

	name := rootName
	if name == "" {
		name = firstName
	}
	if name == "" {
		name = api.DefaultRootName
	}
	if nestedSeen {
		conv := NormalizeRoot(nested, name)
		switch {
		case len(children) == 0:
			return conv, nil
		case conv["name"] == name:
			children = append(children, childrenOf(conv)...)
		default:
			// A nested shard rooted below the tree root hangs off it whole.
			children = append(children, conv)
		}
	}
	if children == nil {
		children = []any{}
	}
	return map[string]any{"name": name, "children": children}, nil
}

// ExpandInline rewrites hybrid nodes, which carry a name next to nested
// group objects instead of a children list, into structured form. Nodes
// that already have children keep them and their children are expanded in
// turn. A group object's own fields override the key it is stored under.
// The input is not modified.
func ExpandInline(body map[string]any) map[string]any {
	root := map[string]any{}
	type pair struct {
		out map[string]any
		in  map[string]any
	}
	stack := []pair{{root, body}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		_, hasChildren := p.in["children"]
		var groups []string
		for k, v := range p.in {
			if k == "children" {
				continue
			}
			if _, isMap := v.(map[string]any); isMap && !hasChildren && !metadataKeys[k] {
				groups = append(groups, k)
				continue
			}
			p.out[k] = v
		}

		var kids []any
		if hasChildren {
			kids = []any{}
			for _, c := range childrenOf(p.in) {
				m, ok := c.(map[string]any)
				if !ok {
					kids = append(kids, c)
					continue
				}
				out := map[string]any{}
				kids = append(kids, out)
				stack = append(stack, pair{out, m})
			}
		} else {
			sort.Strings(groups)
			for _, k := range groups {
				merged := map[string]any{"name": k}
				for gk, gv := range p.in[k].(map[string]any) {
					merged[gk] = gv
				}
				out := map[string]any{}
				kids = append(kids, out)
				stack = append(stack, pair{out, merged})
			}
		}
		if kids != nil {
			p.out["children"] = kids
		}
	}
	return root
}
