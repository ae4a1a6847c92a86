package server

import (
	"quorumd/internal/pubsub"
	"quorumd/internal/raft"
)

const (
	// RoleChanged is published whenever a group transitions between
	// Follower, Candidate and Leader. Payload: RoleChange.
	RoleChanged pubsub.EventType = iota
	// LeaderChanged is published when a group learns of a new leader
	// (including itself). Payload: LeaderChange.
	LeaderChanged
	// GroupHalted is published when a group stops serving, either on
	// shutdown or after a fatal condition. Payload: raft.GroupID.
	GroupHalted
)

// RoleChange travels with RoleChanged events.
type RoleChange struct {
	Group raft.GroupID
	Role  Role
	Term  uint64
}

// LeaderChange travels with LeaderChanged events.
type LeaderChange struct {
	Group  raft.GroupID
	Leader raft.ServerID
	Term   uint64
}
