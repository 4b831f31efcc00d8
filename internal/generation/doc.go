// Package generation defines the collaborator interface the regeneration
// core calls for artifact content, plus an HTTP chat-completion client
// implementation. The core treats results as opaque; it only cares about
// success, the comparable vote value, and the transient/permanent split.
package generation
