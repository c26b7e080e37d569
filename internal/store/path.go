package store

import (
	"fmt"
	"strings"
)

// Path addresses a collection. Paths have an odd number of segments:
// "projects", "projects/<id>/clientSuggestions", ...
type Path string

const (
	projectsCollection    = "projects"
	clientsCollection     = "clients"
	suggestionsCollection = "clientSuggestions"
	repliesCollection     = "replies"
)

func Projects() Path { return projectsCollection }

func Clients() Path { return clientsCollection }

func Suggestions(projectID string) Path {
	return Path(projectsCollection + "/" + projectID + "/" + suggestionsCollection)
}

func Replies(projectID, suggestionID string) Path {
	return Path(string(Suggestions(projectID)) + "/" + suggestionID + "/" + repliesCollection)
}

func (p Path) String() string { return string(p) }

func (p Path) Segments() []string { return strings.Split(string(p), "/") }

// Doc returns a reference to the document id inside p.
func (p Path) Doc(id string) DocRef { return DocRef{Collection: p, ID: id} }

// Parent returns the document that owns a sub-collection path.
func (p Path) Parent() (DocRef, bool) {
	segs := p.Segments()
	if len(segs) < 3 {
		return DocRef{}, false
	}
	n := len(segs)
	return DocRef{Collection: Path(strings.Join(segs[:n-2], "/")), ID: segs[n-2]}, true
}

// Validate rejects empty segments and even-length paths.
func (p Path) Validate() error {
	segs := p.Segments()
	if len(segs)%2 == 0 {
		return fmt.Errorf("store: %q is a document path, not a collection", p)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("store: empty segment in %q", p)
		}
	}
	return nil
}

// DocRef addresses one document.
type DocRef struct {
	Collection Path
	ID         string
}

func (d DocRef) String() string { return string(d.Collection) + "/" + d.ID }

// Contains reports whether collection p lives beneath the document d.
func (d DocRef) Contains(p Path) bool {
	return strings.HasPrefix(string(p), d.String()+"/")
}
