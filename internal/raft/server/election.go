package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"quorumd/internal/raft"
)

// voteResult is one voter's answer, tagged with who sent it.
type voteResult struct {
	from    raft.ServerID
	granted bool
	term    uint64
}

// runCandidate drives one election round (Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf)): increment the term, vote
// for self, request votes from every voter, and win on a quorum. During a
// membership change the quorum requires separate majorities from both the
// old and the new peer set. A timeout without a winner starts the next round
// with a freshly randomized timeout.
func (g *Group) runCandidate() {
	g.mu.Lock()
	if g.role != Candidate {
		g.mu.Unlock()
		return
	}
	g.state.currentTerm++
	self := g.serverID
	g.state.votedFor = &self
	if err := g.state.persistState(); err != nil {
		g.mu.Unlock()
		g.fatal(err)
		return
	}
	term := g.state.currentTerm
	conf := g.state.confMgr.current().Clone()
	lastIndex := g.state.lastIndex()
	lastTerm := g.state.lastTerm()
	g.mu.Unlock()

	g.metrics.ElectionsStarted.Add(1)
	logger := g.cfg.ComponentLogger("election", logrus.Fields{"group": g.id, "server": self, "term": term})
	logger.Info("starting election")

	req := &raft.RequestVoteRequest{
		GroupID:      g.id,
		Term:         term,
		CandidateID:  self,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	peers := conf.AllPeers()
	votes := make(chan voteResult, len(peers))
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ElectionTimeoutMax)
	defer cancel()
	for _, peer := range peers {
		if peer.ID == self {
			continue
		}
		go func(peer raft.Peer) {
			rpcCtx, rpcCancel := context.WithTimeout(ctx, g.cfg.RPCTimeout)
			defer rpcCancel()
			resp, err := g.trans.RequestVote(rpcCtx, peer, req)
			if err != nil {
				logger.WithError(err).WithField("peer", peer.ID).Debug("vote request failed")
				return
			}
			votes <- voteResult{from: peer.ID, granted: resp.VoteGranted, term: resp.Term}
		}(peer)
	}

	granted := map[raft.ServerID]bool{self: true}
	if conf.HasMajority(granted) {
		// Single-member group: elected immediately.
		g.becomeLeader(term)
		return
	}

	timer := time.NewTimer(g.cfg.RandomElectionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-g.shutdownCh:
			return
		case <-g.roleNotify:
			g.mu.Lock()
			role := g.role
			g.mu.Unlock()
			if role != Candidate {
				// A current leader's AppendEntries or a higher term arrived.
				return
			}
		case <-timer.C:
			// Split vote; the run loop restarts us with the next term.
			logger.Debug("election timed out without a winner")
			return
		case vote := <-votes:
			if vote.term > term {
				g.mu.Lock()
				g.stepDownLocked(vote.term)
				g.mu.Unlock()
				return
			}
			if !vote.granted {
				continue
			}
			granted[vote.from] = true
			if conf.HasMajority(granted) {
				g.becomeLeader(term)
				return
			}
		}
	}
}

// becomeLeader transitions to Leader for term, unless the role or term moved
// on while votes were being counted.
func (g *Group) becomeLeader(term uint64) {
	g.mu.Lock()
	if g.role != Candidate || g.state.currentTerm != term {
		g.mu.Unlock()
		return
	}
	g.role = Leader
	g.setLeaderLocked(g.serverID)
	g.leaderAddr = g.localAddr
	g.startLeaderLocked()

	// A no-op entry opens the term: committing it commits every earlier
	// entry transitively, which is the only safe way to commit entries from
	// prior terms (Section 5.4.2).
	if _, err := g.appendLocalEntryLocked(&raft.LogEntry{Type: raft.EntryNoop}); err != nil {
		g.mu.Unlock()
		g.fatal(err)
		return
	}
	g.mu.Unlock()

	g.metrics.ElectionsWon.Add(1)
	g.notifyRole()
	g.publishRole(Leader, term)
}

// runLeader parks the role loop while the appenders drive replication. It
// returns when leadership is lost or the member shuts down.
func (g *Group) runLeader() {
	for {
		select {
		case <-g.shutdownCh:
			g.mu.Lock()
			if g.leader != nil {
				g.stopLeaderLocked(raft.StatusError, "group closed")
			}
			g.mu.Unlock()
			return
		case <-g.roleNotify:
			g.mu.Lock()
			role := g.role
			g.mu.Unlock()
			if role != Leader {
				return
			}
		}
	}
}
