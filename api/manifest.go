package api

import "strings"

// PathSeparator joins the segments of a canonical breadcrumb.
const PathSeparator = " > "

// DefaultRootName is used when a manifest does not name its root.
const DefaultRootName = "Life"

// Manifest describes a dataset split into chunk files.
// Each file holds the subtree rooted at the node named by its breadcrumb path.
type Manifest struct {
	// Version of the manifest format (e.g. "1.0", "lazy-1.0").
	Version string `json:"version"`
	// RootName names the tree root. Optional.
	RootName string `json:"root_name,omitempty"`
	// TotalFiles is informational; the loader trusts len(Files).
	TotalFiles int `json:"total_files,omitempty"`
	// TotalNodes is informational and used only for progress estimates.
	TotalNodes int `json:"total_nodes,omitempty"`
	// Files lists every chunk in dataset order.
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one chunk entry of a Manifest.
type ManifestFile struct {
	// Path is the canonical breadcrumb of the subtree root stored in Filename.
	Path string `json:"path"`
	// Filename is resolved relative to the dataset base.
	Filename string `json:"filename"`
	// NodesCount is optional.
	NodesCount int `json:"nodes_count,omitempty"`
}

// Root returns the configured root name or DefaultRootName.
func (m *Manifest) Root() string {
	if m.RootName != "" {
		return m.RootName
	}
	return DefaultRootName
}

// BakedManifest describes a pre-laid-out dataset whose files are flat node arrays.
type BakedManifest struct {
	Version    string      `json:"version"`
	LayoutSize float64     `json:"layout_size"`
	TotalNodes int         `json:"total_nodes"`
	Files      []BakedFile `json:"files"`
}

// BakedFile is one flat-array file of a BakedManifest.
type BakedFile struct {
	Filename   string `json:"filename"`
	NodesCount int    `json:"nodes_count"`
	SizeBytes  int64  `json:"size_bytes"`
}

// FlatNode is one record of a baked flat array.
// IDs are globally unique across files; exactly one record has no parent.
type FlatNode struct {
	ID       int64   `json:"id"`
	ParentID *int64  `json:"parent_id"`
	Name     string  `json:"name"`
	Level    int     `json:"level"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	R        float64 `json:"r"`
}

// SplitPath splits a breadcrumb into trimmed, non-empty segments.
func SplitPath(path string) []string {
	raw := strings.Split(path, strings.TrimSpace(PathSeparator))
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// JoinPath joins segments into a canonical breadcrumb.
func JoinPath(segs ...string) string {
	return strings.Join(segs, PathSeparator)
}
