package core

import "errors"

var (
	// ErrNodeNotFound indicates a referenced node does not exist.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInterfaceNotFound indicates a referenced interface does not exist.
	ErrInterfaceNotFound = errors.New("interface not found")
	// ErrLinkNotFound indicates a referenced link does not exist.
	ErrLinkNotFound = errors.New("link not found")
	// ErrDuplicateID indicates a requested node ID is already taken.
	ErrDuplicateID = errors.New("node id already in use")
	// ErrDuplicateName indicates a node name is already used by another node.
	ErrDuplicateName = errors.New("node name already in use")
	// ErrDuplicateLink indicates a link already exists between the endpoints.
	ErrDuplicateLink = errors.New("link already exists")
	// ErrInterfaceExists indicates an interface ID is already taken on its node.
	ErrInterfaceExists = errors.New("interface already exists")
	// ErrBadInput indicates a structurally invalid entity was supplied.
	ErrBadInput = errors.New("invalid input")
)
