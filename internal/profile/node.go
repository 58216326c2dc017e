package profile

import "time"

type (
	// Node is one entry of an abstract folder tree. Local scans build nodes
	// from the filesystem; the cloud-drive scanner builds them from a flat
	// API listing. Trees are fully materialised before detection runs, so
	// detection itself performs no I/O.
	Node struct {
		// Name is the entry's base name.
		Name string
		// IsDir reports whether the node is a folder.
		IsDir bool
		// Size is the file size in bytes (zero for folders).
		Size int64
		// ModTime is the last modification time when known.
		ModTime time.Time
		// Ref is an opaque scanner-specific handle (drive file id, absolute
		// path). Detection never inspects it.
		Ref string
		// Children holds a folder's entries.
		Children []*Node
	}

	// File is one file found inside a detected design, with its path
	// relative to the design folder.
	File struct {
		RelPath string
		Size    int64
		Ref     string
	}

	// Detected is one design found by the engine.
	Detected struct {
		// RelPath is the design folder's path relative to the scan root
		// (empty when the root itself is the design).
		RelPath string
		// Title is the extracted display title.
		Title string
		// Node is the design folder.
		Node *Node
		// ModelFiles, ArchiveFiles and PreviewFiles list the matched files.
		ModelFiles   []File
		ArchiveFiles []File
		PreviewFiles []File
		// TotalSize sums every file in the design subtree.
		TotalSize int64
		// MaxModTime is the newest modification time in the subtree.
		MaxModTime time.Time
		// Tags are auto-derived from the folder structure when the profile
		// asks for them.
		Tags []string
	}
)
