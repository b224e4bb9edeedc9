package main

import "golang.org/x/exp/maps"

// A base deny list for client addresses that should never reach the visitor
// store, empty by default. Deny list implementations should always start from
// this base list and augment it from configuration.
var baseDenyList = map[string]struct{}{}

type DenyList interface {
	Contains(addr string) bool
}

type MemoryDenyList struct {
	denied map[string]struct{}
}

func NewMemoryDenyList(addrs []string) *MemoryDenyList {
	denied := maps.Clone(baseDenyList)
	for _, addr := range addrs {
		denied[addr] = struct{}{}
	}

	return &MemoryDenyList{denied: denied}
}

func (l *MemoryDenyList) Contains(addr string) bool {
	_, ok := l.denied[addr]
	return ok
}
