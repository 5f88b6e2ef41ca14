package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"
)

const zkLockRoot = "/distributed_locks"

// zkConn is the subset of *zk.Conn used by ZooKeeperManager.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// ZooKeeperManager is a fair queue lock built from ephemeral sequential nodes.
// Each contender watches only its predecessor. Nodes vanish with the session,
// and the lease is additionally enforced by deleting our node after leaseTime.
type ZooKeeperManager struct {
	conn zkConn
	root string
}

// zkLogger routes the zk client's logging through zerolog.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	log.Debug().Str("component", "zookeeper").Msgf(format, args...)
}

// NewZooKeeperManager connects to the ensemble. The returned close func ends the session.
func NewZooKeeperManager(servers []string, sessionTimeout time.Duration) (*ZooKeeperManager, func(), error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, nil, fmt.Errorf("connect zookeeper: %w", err)
	}
	m := NewZooKeeperManagerWithConn(conn)
	if err := m.ensurePath(m.root); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return m, conn.Close, nil
}

// NewZooKeeperManagerWithConn creates a ZooKeeperManager with a custom connection.
// This is primarily used for testing.
func NewZooKeeperManagerWithConn(conn zkConn) *ZooKeeperManager {
	return &ZooKeeperManager{conn: conn, root: zkLockRoot}
}

// WithLock implements Manager.
func (m *ZooKeeperManager) WithLock(ctx context.Context, key string, waitTimeout, leaseTime time.Duration, fn func(ctx context.Context) error) error {
	lockPath := m.root + "/" + strings.ReplaceAll(key, "/", "_")
	if err := m.ensurePath(lockPath); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, key, err)
	}

	node, err := m.acquire(ctx, lockPath, waitTimeout)
	if err != nil {
		return err
	}

	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	expiry := time.AfterFunc(leaseTime, func() {
		log.Error().Str("lock_key", key).Msg("lock lease expired while holder was still running")
		m.deleteNode(node)
		cancel(ErrLeaseLost)
	})
	defer func() {
		if expiry.Stop() {
			m.deleteNode(node)
		}
	}()

	err = fn(bodyCtx)
	if err != nil && context.Cause(bodyCtx) == ErrLeaseLost {
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

func (m *ZooKeeperManager) acquire(ctx context.Context, lockPath string, waitTimeout time.Duration) (string, error) {
	node, err := m.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("%w: create sequential node: %w", ErrAcquisitionFailed, err)
	}
	mine := strings.TrimPrefix(node, lockPath+"/")

	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()

	fail := func(cause error) (string, error) {
		m.deleteNode(node)
		return "", fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, lockPath, cause)
	}

	for {
		children, _, err := m.conn.Children(lockPath)
		if err != nil {
			return fail(err)
		}
		prev, first, err := predecessor(children, mine)
		if err != nil {
			return fail(err)
		}
		if first {
			return node, nil
		}

		exists, _, events, err := m.conn.ExistsW(lockPath + "/" + prev)
		if err != nil {
			return fail(err)
		}
		if !exists {
			continue
		}

		select {
		case <-events:
			// Predecessor changed; re-check our position.
		case <-deadline.C:
			return fail(fmt.Errorf("still waiting after %s", waitTimeout))
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}
}

func (m *ZooKeeperManager) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, p := range parts {
		current += "/" + p
		exists, _, err := m.conn.Exists(current)
		if err != nil {
			return fmt.Errorf("check lock node %s: %w", current, err)
		}
		if exists {
			continue
		}
		if _, err := m.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create lock node %s: %w", current, err)
		}
	}
	return nil
}

func (m *ZooKeeperManager) deleteNode(node string) {
	if err := m.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		log.Warn().Err(err).Str("lock_node", node).Msg("failed to delete lock node")
	}
}

// predecessor finds the node queued right before mine. Protected node names
// carry a random prefix, so ordering uses the trailing sequence number.
func predecessor(children []string, mine string) (prev string, first bool, err error) {
	sorted := make([]string, len(children))
	copy(sorted, children)
	sort.Slice(sorted, func(i, j int) bool {
		return sequenceOf(sorted[i]) < sequenceOf(sorted[j])
	})

	for i, child := range sorted {
		if child != mine {
			continue
		}
		if i == 0 {
			return "", true, nil
		}
		return sorted[i-1], false, nil
	}
	return "", false, fmt.Errorf("lock node %s not found among %d contenders", mine, len(children))
}

func sequenceOf(node string) int64 {
	idx := strings.LastIndex(node, "-")
	if idx < 0 {
		return -1
	}
	seq, err := strconv.ParseInt(node[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return seq
}
