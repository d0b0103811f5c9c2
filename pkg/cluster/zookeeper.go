// Package cluster connects a range server to the ZooKeeper ensemble that
// plays the coordinator: server registration, membership and split
// notifications.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zookeeper/zk"

	"tabletdb/pkg/types"
)

// conn is the part of *zk.Conn the coordinator uses.
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// SplitReport is the payload of a split notification znode.
type SplitReport struct {
	Server      string                `json:"server"`
	Table       types.TableIdentifier `json:"table"`
	Range       types.RangeSpec       `json:"range"`
	TransferLog string                `json:"transfer_log"`
	SoftLimit   uint64                `json:"soft_limit"`
}

type ZKCoordinator struct {
	conn     conn
	rootPath string
	local    string
}

// NewZKCoordinator connects to servers, e.g. ["zk1:2181", "zk2:2181"].
func NewZKCoordinator(servers []string, rootPath, localAddr string, timeout time.Duration) (*ZKCoordinator, error) {
	c, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}
	return newCoordinator(c, rootPath, localAddr), nil
}

func newCoordinator(c conn, rootPath, localAddr string) *ZKCoordinator {
	return &ZKCoordinator{conn: c, rootPath: strings.TrimRight(rootPath, "/"), local: localAddr}
}

func (m *ZKCoordinator) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKCoordinator) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterServer creates the ephemeral node of this server.
func (m *ZKCoordinator) RegisterServer(ctx context.Context) error {
	if err := m.waitConnected(ctx); err != nil {
		return err
	}
	if err := m.ensurePath(m.rootPath + "/servers"); err != nil {
		return errors.Wrap(err, "ensure servers path")
	}
	nodePath := m.rootPath + "/servers/" + m.local
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrap(err, "create ephemeral node")
	}
	slog.Info("registered range server", "node", nodePath)
	return nil
}

// Servers lists the live range servers.
func (m *ZKCoordinator) Servers() ([]string, error) {
	children, _, err := m.conn.Children(m.rootPath + "/servers")
	if err != nil {
		return nil, errors.Wrap(err, "zk children")
	}
	return children, nil
}

// ReportSplit announces a split-off range as a persistent sequential node
// under <root>/splits.
func (m *ZKCoordinator) ReportSplit(ctx context.Context, table types.TableIdentifier, rng types.RangeSpec, transferLog string, softLimit uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.ensurePath(m.rootPath + "/splits"); err != nil {
		return errors.Wrap(err, "ensure splits path")
	}
	data, err := json.Marshal(SplitReport{
		Server:      m.local,
		Table:       table,
		Range:       rng,
		TransferLog: transferLog,
		SoftLimit:   softLimit,
	})
	if err != nil {
		return err
	}
	path, err := m.conn.Create(m.rootPath+"/splits/split-", data, zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrapf(err, "report split of %s %s", table.Name, rng)
	}
	slog.Info("split reported", "node", path, "table", table.Name, "range", rng.String(), "soft_limit", softLimit)
	return nil
}

// WatchServers calls fn with the live server list now and after every
// membership change until ctx is done.
func (m *ZKCoordinator) WatchServers(ctx context.Context, fn func([]string)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/servers")
			if err != nil {
				slog.Warn("zk ChildrenW failed", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			fn(children)

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type.String(), "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKCoordinator) waitConnected(ctx context.Context) error {
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "zk: not connected, state=%v", st)
		case <-tick.C:
		}
	}
}
