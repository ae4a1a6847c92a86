package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumd/internal/pubsub"
	"quorumd/internal/raft"
	"quorumd/internal/raft/state_machine"
	"quorumd/internal/raft/storage"
	"quorumd/internal/raft/transport"
)

const testGroup raft.GroupID = "g1"

// cluster wires several in-process members through a memory hub. Links can
// be cut and healed per member, and members can be stopped and restarted on
// their surviving storage.
type cluster struct {
	t   *testing.T
	hub *transport.MemoryHub
	cfg func() *raft.Config

	members map[raft.ServerID]*member
}

type member struct {
	id     raft.ServerID
	server *Server
	group  *Group
	store  *storage.MemoryStorage
	sm     *state_machine.KVStateMachine
}

func testConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.ElectionTimeoutMin = 60 * time.Millisecond
	cfg.ElectionTimeoutMax = 120 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.RPCTimeout = 30 * time.Millisecond
	cfg.SubmitTimeout = 2 * time.Second
	cfg.SnapshotThreshold = 0
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg.Logger = logger
	return cfg
}

func newCluster(t *testing.T, n int, tweak func(*raft.Config)) *cluster {
	t.Helper()
	c := &cluster{
		t:   t,
		hub: transport.NewMemoryHub(),
		cfg: func() *raft.Config {
			cfg := testConfig()
			if tweak != nil {
				tweak(cfg)
			}
			return cfg
		},
		members: make(map[raft.ServerID]*member),
	}

	conf := &raft.Configuration{}
	for i := 1; i <= n; i++ {
		id := raft.ServerID(fmt.Sprintf("s%d", i))
		conf.Peers = append(conf.Peers, raft.Peer{ID: id, Address: raft.ServerAddress(id)})
	}
	for _, p := range conf.Peers {
		c.addMember(p.ID, storage.NewMemoryStorage(), conf)
	}
	t.Cleanup(c.closeAll)
	return c
}

// addMember builds, registers and starts one member on the given storage.
func (c *cluster) addMember(id raft.ServerID, store *storage.MemoryStorage, bootstrap *raft.Configuration) *member {
	c.t.Helper()
	cfg := c.cfg()
	sm := state_machine.NewKVStateMachine()
	bus := pubsub.NewBus()
	server := NewServer(id, raft.ServerAddress(id), cfg, bus)

	group, err := NewGroup(GroupOptions{
		ID:           testGroup,
		ServerID:     id,
		Address:      raft.ServerAddress(id),
		Storage:      store,
		StateMachine: sm,
		Transport:    c.hub.Transport(id),
		Bus:          bus,
		Bootstrap:    bootstrap,
		Config:       cfg,
	})
	require.NoError(c.t, err)

	c.hub.Register(id, server)
	require.NoError(c.t, server.AddGroup(group))

	m := &member{id: id, server: server, group: group, store: store, sm: sm}
	c.members[id] = m
	return m
}

// stop halts a member, keeping its storage for a later restart.
func (c *cluster) stop(id raft.ServerID) *storage.MemoryStorage {
	c.t.Helper()
	m, ok := c.members[id]
	require.True(c.t, ok, "unknown member %s", id)
	c.hub.Disconnect(id)
	m.server.Close()
	delete(c.members, id)
	store := m.store
	c.hub.Reconnect(id)
	return store
}

func (c *cluster) closeAll() {
	for id, m := range c.members {
		m.server.Close()
		delete(c.members, id)
	}
}

// leader waits until exactly one connected member leads at the highest
// observed term and returns it.
func (c *cluster) leader() *member {
	c.t.Helper()
	var leader *member
	require.Eventually(c.t, func() bool {
		leader = nil
		var maxTerm uint64
		for _, m := range c.members {
			info := m.group.Info()
			if info.Term > maxTerm {
				maxTerm = info.Term
			}
		}
		for _, m := range c.members {
			info := m.group.Info()
			if info.Role == Leader && info.Term == maxTerm {
				if leader != nil {
					return false
				}
				leader = m
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

// submit retries a command across members until one accepts it as leader.
// The invocation id stays constant across retries, like a real client.
func (c *cluster) submit(clientID raft.ClientID, callID uint64, command string) *raft.SubmitResponse {
	c.t.Helper()
	req := &raft.SubmitRequest{
		GroupID:  testGroup,
		ClientID: clientID,
		CallID:   callID,
		Command:  []byte(command),
	}
	var last *raft.SubmitResponse
	require.Eventually(c.t, func() bool {
		m := c.leader()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := m.group.Submit(ctx, req)
		if err != nil {
			return false
		}
		last = resp
		return resp.Status == raft.StatusOK
	}, 10*time.Second, 20*time.Millisecond, "command never committed")
	return last
}

func (c *cluster) eventuallyKey(m *member, key, want string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		value, ok := m.sm.Get(key)
		return ok && value == want
	}, 5*time.Second, 10*time.Millisecond, "member %s never applied %s=%s", m.id, key, want)
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.leader()

	term := leader.group.Info().Term
	leaders := 0
	for _, m := range c.members {
		info := m.group.Info()
		if info.Role == Leader && info.Term == term {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)

	// Followers learn who leads.
	require.Eventually(t, func() bool {
		for _, m := range c.members {
			if m.group.Info().Leader != leader.id {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClusterReplicatesCommands(t *testing.T) {
	c := newCluster(t, 3, nil)

	resp := c.submit("client-1", 1, "SET color=blue")
	assert.Equal(t, "OK", string(resp.Result))

	for _, m := range c.members {
		c.eventuallyKey(m, "color", "blue")
	}

	info := c.leader().group.Info()
	assert.NotZero(t, info.Metrics.ElectionsWon)
	assert.NotZero(t, info.Metrics.EntriesApplied)
	assert.NotZero(t, info.Metrics.CommandsSubmitted)
}

func TestLinearizableRead(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET answer=42")

	leader := c.leader()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := leader.group.Read(ctx, &raft.ReadRequest{
		GroupID:      testGroup,
		Query:        []byte("GET answer"),
		Linearizable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, raft.StatusOK, resp.Status)
	assert.Equal(t, "42", string(resp.Result))

	// A follower must redirect rather than answer possibly stale state.
	for _, m := range c.members {
		if m.id == leader.id {
			continue
		}
		resp, err := m.group.Read(ctx, &raft.ReadRequest{
			GroupID:      testGroup,
			Query:        []byte("GET answer"),
			Linearizable: true,
		})
		require.NoError(t, err)
		assert.Equal(t, raft.StatusNotLeader, resp.Status)
		break
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET before=failover")

	old := c.leader()
	oldTerm := old.group.Info().Term
	c.hub.Disconnect(old.id)

	// The survivors elect a replacement at a higher term.
	var replacement *member
	require.Eventually(t, func() bool {
		for _, m := range c.members {
			if m.id == old.id {
				continue
			}
			info := m.group.Info()
			if info.Role == Leader && info.Term > oldTerm {
				replacement = m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no replacement leader")

	resp := c.submit("client-1", 2, "SET after=failover")
	assert.Equal(t, "OK", string(resp.Result))

	// The deposed leader rejoins as a follower and catches up.
	c.hub.Reconnect(old.id)
	require.Eventually(t, func() bool {
		info := old.group.Info()
		return info.Role == Follower && info.Term >= replacement.group.Info().Term
	}, 5*time.Second, 10*time.Millisecond)
	c.eventuallyKey(old, "after", "failover")
}

func TestDuplicateSubmitAppliesOnce(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET doomed=1")

	// DEL is not idempotent: applying it twice would report a missing key
	// the second time. The retry must replay the first result instead.
	first := c.submit("client-1", 2, "DEL doomed")
	assert.Equal(t, "OK", string(first.Result))

	leader := c.leader()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	second, err := leader.group.Submit(ctx, &raft.SubmitRequest{
		GroupID:  testGroup,
		ClientID: "client-1",
		CallID:   2,
		Command:  []byte("DEL doomed"),
	})
	require.NoError(t, err)
	assert.Equal(t, raft.StatusOK, second.Status)
	assert.Equal(t, "OK", string(second.Result))
}

func TestRetryAfterFailoverHitsCacheOnNewLeader(t *testing.T) {
	c := newCluster(t, 3, nil)
	resp := c.submit("client-1", 1, "DEL nothing")
	firstResult := string(resp.Result)

	old := c.leader()
	c.hub.Disconnect(old.id)
	defer c.hub.Reconnect(old.id)

	// Every member rebuilt the cache at apply time, so the retry against
	// whichever member leads now replays the original result.
	require.Eventually(t, func() bool {
		for _, m := range c.members {
			if m.id == old.id {
				continue
			}
			if m.group.Info().Role == Leader {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	retry := c.submit("client-1", 1, "DEL nothing")
	assert.Equal(t, firstResult, string(retry.Result))
}

func TestMembershipChangeAddsMember(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET seed=1")

	// The new member starts empty, with no bootstrap configuration.
	added := c.addMember("s4", storage.NewMemoryStorage(), nil)

	leader := c.leader()
	newPeers := append([]raft.Peer(nil), leader.group.Info().Configuration.Peers...)
	newPeers = append(newPeers, raft.Peer{ID: "s4", Address: "s4"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := leader.group.SetConfiguration(ctx, &raft.SetConfigurationRequest{
		GroupID: testGroup,
		Peers:   newPeers,
	})
	require.NoError(t, err)
	require.Equal(t, raft.StatusOK, resp.Status)

	// The final configuration reaches every member, the change fully
	// resolves, and the new member catches up.
	require.Eventually(t, func() bool {
		for _, m := range c.members {
			conf := m.group.Info().Configuration
			if conf.IsTransitional() || len(conf.Peers) != 4 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	c.eventuallyKey(added, "seed", "1")

	// Writes keep flowing in the new configuration.
	c.submit("client-1", 2, "SET grown=yes")
	c.eventuallyKey(added, "grown", "yes")
}

func TestMembershipChangeRemovesLeader(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET seed=1")

	leader := c.leader()
	var remaining []raft.Peer
	for _, p := range leader.group.Info().Configuration.Peers {
		if p.ID != leader.id {
			remaining = append(remaining, p)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := leader.group.SetConfiguration(ctx, &raft.SetConfigurationRequest{
		GroupID: testGroup,
		Peers:   remaining,
	})
	require.NoError(t, err)
	require.Equal(t, raft.StatusOK, resp.Status)

	// The removed leader steps down once its removal commits, and it never
	// campaigns again from outside the configuration.
	require.Eventually(t, func() bool {
		return leader.group.Info().Role == Follower
	}, 5*time.Second, 10*time.Millisecond)

	var successor *member
	require.Eventually(t, func() bool {
		for _, m := range c.members {
			if m.id == leader.id {
				continue
			}
			if m.group.Info().Role == Leader {
				successor = m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, successor)
	assert.NotEqual(t, leader.id, successor.id)
}

func TestConcurrentMembershipChangeRejected(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.leader()
	conf := leader.group.Info().Configuration

	first := make(chan *raft.SetConfigurationResponse, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := leader.group.SetConfiguration(ctx, &raft.SetConfigurationRequest{
			GroupID: testGroup,
			Peers:   append(append([]raft.Peer(nil), conf.Peers...), raft.Peer{ID: "s4", Address: "s4"}),
		})
		if err == nil {
			first <- resp
		}
	}()

	// While the first change is (or was just) in flight, a second one must
	// either be rejected or run only after the first completed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := leader.group.SetConfiguration(ctx, &raft.SetConfigurationRequest{
		GroupID: testGroup,
		Peers:   conf.Peers[:2],
	})
	require.NoError(t, err)
	assert.Contains(t, []raft.ClientStatus{
		raft.StatusOK,
		raft.StatusConfChangeInProgress,
		raft.StatusNotLeader,
	}, resp.Status)
}

func TestFollowerCatchesUpViaSnapshot(t *testing.T) {
	c := newCluster(t, 3, func(cfg *raft.Config) {
		cfg.SnapshotThreshold = 8
		cfg.SnapshotChunkSize = 64
	})
	c.submit("client-1", 1, "SET warm=up")

	leader := c.leader()
	var straggler *member
	for _, m := range c.members {
		if m.id != leader.id {
			straggler = m
			break
		}
	}
	c.hub.Disconnect(straggler.id)

	for i := 0; i < 24; i++ {
		c.submit("client-1", uint64(i+2), fmt.Sprintf("SET key%d=v%d", i, i))
	}

	// The leader compacted past the straggler's log position.
	require.Eventually(t, func() bool {
		return c.leader().group.Info().SnapshotIndex > 0
	}, 5*time.Second, 10*time.Millisecond, "leader never snapshotted")

	c.hub.Reconnect(straggler.id)
	c.eventuallyKey(straggler, "key23", "v23")
	require.Eventually(t, func() bool {
		return straggler.group.Info().SnapshotIndex > 0
	}, 5*time.Second, 10*time.Millisecond, "straggler never installed a snapshot")
}

func TestMembershipChangeRemovesFollower(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET seed=1")

	leader := c.leader()
	var removed *member
	var remaining []raft.Peer
	for _, p := range leader.group.Info().Configuration.Peers {
		if p.ID != leader.id && removed == nil {
			removed = c.members[p.ID]
			continue
		}
		remaining = append(remaining, p)
	}
	require.NotNil(t, removed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := leader.group.SetConfiguration(ctx, &raft.SetConfigurationRequest{
		GroupID: testGroup,
		Peers:   remaining,
	})
	require.NoError(t, err)
	require.Equal(t, raft.StatusOK, resp.Status)

	// The final configuration must reach the removed member even though it
	// is no longer a voter, so it observes its exclusion and stops
	// campaigning.
	require.Eventually(t, func() bool {
		conf := removed.group.Info().Configuration
		return !conf.IsTransitional() && !conf.ContainsAny(removed.id)
	}, 5*time.Second, 10*time.Millisecond,
		"removed member still believes it is in the configuration")

	// With the removed member quiet, leadership stays put: no election may
	// bump the term out from under the live leader.
	settled := c.leader()
	term := settled.group.Info().Term
	time.Sleep(500 * time.Millisecond)
	info := settled.group.Info()
	assert.Equal(t, Leader, info.Role)
	assert.Equal(t, term, info.Term)

	resp2 := c.submit("client-1", 2, "SET shrunk=yes")
	assert.Equal(t, "OK", string(resp2.Result))
}

func TestRestartAfterSnapshotRestoresStateMachine(t *testing.T) {
	c := newCluster(t, 3, func(cfg *raft.Config) {
		cfg.SnapshotThreshold = 8
	})
	c.submit("client-1", 1, "SET early=bird")

	leader := c.leader()
	var victim *member
	for _, m := range c.members {
		if m.id != leader.id {
			victim = m
			break
		}
	}

	// Enough commits that every member snapshots and compacts the entry
	// holding the first key.
	for i := 0; i < 20; i++ {
		c.submit("client-1", uint64(i+2), fmt.Sprintf("SET key%d=v%d", i, i))
	}
	require.Eventually(t, func() bool {
		return victim.group.Info().SnapshotIndex > 0
	}, 5*time.Second, 10*time.Millisecond, "member never snapshotted")

	// The restarted member's state machine starts empty; the snapshot in
	// its storage must be replayed into it, not just fast-forwarded past.
	store := c.stop(victim.id)
	restarted := c.addMember(victim.id, store, nil)
	c.eventuallyKey(restarted, "early", "bird")
	c.eventuallyKey(restarted, "key19", "v19")
	assert.NotZero(t, restarted.group.Info().SnapshotIndex)
}

func TestMemberRestartRecoversFromStorage(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.submit("client-1", 1, "SET durable=yes")

	leader := c.leader()
	var victim *member
	for _, m := range c.members {
		if m.id != leader.id {
			victim = m
			break
		}
	}
	c.eventuallyKey(victim, "durable", "yes")

	store := c.stop(victim.id)
	c.submit("client-1", 2, "SET while=down")

	restarted := c.addMember(victim.id, store, nil)
	c.eventuallyKey(restarted, "durable", "yes")
	c.eventuallyKey(restarted, "while", "down")

	info := restarted.group.Info()
	assert.GreaterOrEqual(t, len(info.Configuration.Peers), 3)
}
