// Package remote defines the contract between the mirror engine and the remote storage
// tree it synchronizes against.
package remote

import (
	"context"
	"io"
	"time"
)

// Kind tags the variant carried by a Metadata value.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Metadata describes a single remote entry. ContentHash, ClientModified and Size are only
// meaningful for files.
type Metadata struct {
	Kind           Kind
	Path           string
	ContentHash    string
	ClientModified time.Time
	Size           int64
}

func (m *Metadata) IsFile() bool {
	return m != nil && m.Kind == KindFile
}

func (m *Metadata) IsFolder() bool {
	return m != nil && m.Kind == KindFolder
}

// ListOptions scopes a folder listing or a change feed.
//
// IncludeMounted and IncludeMediaInfo are accepted for stores that support shared mounts
// and rich media metadata; stores without those concepts ignore them.
type ListOptions struct {
	Recursive        bool
	IncludeDeleted   bool
	IncludeMounted   bool
	IncludeMediaInfo bool
}

// Page is one page of a listing or of the change feed.
type Page struct {
	Entries []*Metadata
	HasMore bool
	Cursor  string
}

// PollResult is the answer to a long poll. Backoff is a server supplied hint for how long
// the caller should wait before polling again.
type PollResult struct {
	Changes bool
	Backoff time.Duration
}

// WriteMode selects how PutFile treats an existing entry.
type WriteMode int

const (
	// WriteAdd fails with ErrConflict when the path already exists.
	WriteAdd WriteMode = iota
	// WriteOverwrite replaces whatever is stored at the path.
	WriteOverwrite
)

func (m WriteMode) String() string {
	if m == WriteAdd {
		return "add"
	}
	return "overwrite"
}

// Store is a remote tree addressed by absolute slash separated paths. The empty path and
// "/" both denote the store root. Implementations must be safe for concurrent use.
type Store interface {
	// Find returns the entry named name directly under parent, or nil when there is none.
	Find(ctx context.Context, parent, name string) (*Metadata, error)

	// ListFolder returns the first page of the entries under path. The folder itself is
	// not part of the listing. It fails with ErrNotFound when path does not exist.
	ListFolder(ctx context.Context, path string, opts ListOptions) (*Page, error)

	// ListFolderContinue returns the next page for a cursor obtained from ListFolder,
	// LatestCursor or a previous page. Once a listing is exhausted the same cursor keeps
	// returning changes made after the listing started.
	ListFolderContinue(ctx context.Context, cursor string) (*Page, error)

	// LatestCursor returns a cursor positioned at the current end of the change feed.
	LatestCursor(ctx context.Context, path string, opts ListOptions) (string, error)

	// LongPoll blocks until changes are available for cursor, wait elapses, or ctx ends.
	LongPoll(ctx context.Context, cursor string, wait time.Duration) (*PollResult, error)

	// CreateFolder creates path and any missing parents. Existing folders are left as is.
	CreateFolder(ctx context.Context, path string) error

	// PutFile stores the content of body at path, recording clientModified.
	PutFile(ctx context.Context, path string, body io.ReadSeeker, clientModified time.Time, mode WriteMode) (*Metadata, error)

	// GetFile writes the content stored at path to w.
	GetFile(ctx context.Context, path string, w io.Writer) (*Metadata, error)

	// Delete removes path. Folders are removed recursively. It fails with ErrNotFound when
	// nothing exists at path.
	Delete(ctx context.Context, path string) error
}
