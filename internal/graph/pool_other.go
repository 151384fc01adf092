//go:build !linux

package graph

func raiseThreadPriority() {}
