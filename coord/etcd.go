package coord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Config carries the explicit connection settings for an etcd-backed session.
type Config struct {
	// Endpoints of the etcd cluster.
	Endpoints []string

	// DialTimeout bounds the initial connection. Defaults to 3s.
	DialTimeout time.Duration

	// SessionTTL is the liveliness lease in seconds. Ephemeral nodes are
	// removed when the session misses keep-alives for this long.
	// Defaults to 3.
	SessionTTL int

	// CallTimeout bounds every individual coordination call.
	// Defaults to 5s.
	CallTimeout time.Duration

	// Logger is passed to the etcd client. Defaults to a nop logger.
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 3
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Connect establishes a new session with etcd. Failures here are fatal and
// wrap ErrConnect.
func Connect(ctx context.Context, cfg Config) (Client, error) {
	cfg.setDefaults()

	cli, err := clientv3.New(clientv3.Config{
		Context:     ctx,
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(ErrConnect, err.Error(), j.KV("endpoints", strings.Join(cfg.Endpoints, ",")))
	}

	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		_ = cli.Close()
		return nil, errors.Wrap(ErrConnect, err.Error())
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	return &etcdClient{
		cli:         cli,
		sess:        sess,
		callTimeout: cfg.CallTimeout,
		watchCtx:    watchCtx,
		watchCancel: cancel,
	}, nil
}

// etcdClient maps the namespace onto etcd keys. A node at path p is the key p;
// its children are the keys one level below p. Ephemeral nodes are attached to
// the session lease. Sequential suffixes are allocated with a transaction
// guarded on the parent key's version, so each put of the parent reserves the
// next number.
type etcdClient struct {
	cli         *clientv3.Client
	sess        *concurrency.Session
	callTimeout time.Duration

	// watchCtx outlives per-call timeouts so that one-shot watches stay
	// registered until delivery or Close.
	watchCtx    context.Context
	watchCancel context.CancelFunc
}

func (c *etcdClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// mapErr converts etcd/grpc failures into the coord taxonomy. A deadline hit
// on the call context while the caller's context is still live is a timeout.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Wrap(ErrTimeout, "")
	}
	return err
}

func (c *etcdClient) Create(ctx context.Context, path string, data []byte, mode Mode) (string, error) {
	if mode == EphemeralSequential {
		return c.createSequential(ctx, path, data)
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	cmp := clientv3.Compare(clientv3.CreateRevision(path), "=", 0)
	put := clientv3.OpPut(path, string(data))
	resp, err := c.cli.Txn(cctx).If(cmp).Then(put).Commit()
	if err != nil {
		return "", errors.Wrap(mapErr(ctx, err), "create node", j.KV("path", path))
	}
	if !resp.Succeeded {
		return "", errors.Wrap(ErrAlreadyExists, "", j.KV("path", path))
	}
	return path, nil
}

// createSequential allocates the next suffix under the parent. The parent
// key's version only moves when a sequential child is created, so comparing
// on it makes the read-allocate-put atomic; on contention we re-read and
// retry.
func (c *etcdClient) createSequential(ctx context.Context, prefix string, data []byte) (string, error) {
	parent := parentOf(prefix)
	if parent == "" {
		return "", errors.New("sequential node needs a parent", j.KV("path", prefix))
	}

	for ctx.Err() == nil {
		cctx, cancel := c.callCtx(ctx)
		got, err := c.cli.Get(cctx, parent)
		cancel()
		if err != nil {
			return "", errors.Wrap(mapErr(ctx, err), "get parent", j.KV("path", parent))
		}
		if got.Count == 0 {
			return "", errors.Wrap(ErrNotFound, "parent missing", j.KV("path", parent))
		}

		kv := got.Kvs[0]
		actual := fmt.Sprintf("%s%010d", prefix, kv.Version)

		cctx, cancel = c.callCtx(ctx)
		resp, err := c.cli.Txn(cctx).
			If(clientv3.Compare(clientv3.Version(parent), "=", kv.Version)).
			Then(
				clientv3.OpPut(parent, string(kv.Value)),
				clientv3.OpPut(actual, string(data), clientv3.WithLease(c.sess.Lease())),
			).
			Commit()
		cancel()
		if err != nil {
			return "", errors.Wrap(mapErr(ctx, err), "create sequential node", j.KV("path", actual))
		}
		if resp.Succeeded {
			return actual, nil
		}
		// Lost the allocation race, re-read the parent version.
	}
	return "", ctx.Err()
}

func (c *etcdClient) Get(ctx context.Context, path string) ([]byte, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.cli.Get(cctx, path)
	if err != nil {
		return nil, errors.Wrap(mapErr(ctx, err), "get node", j.KV("path", path))
	}
	if resp.Count == 0 {
		return nil, errors.Wrap(ErrNotFound, "", j.KV("path", path))
	}
	return resp.Kvs[0].Value, nil
}

func (c *etcdClient) Delete(ctx context.Context, path string, version int64) error {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	if version < 0 {
		resp, err := c.cli.Delete(cctx, path)
		if err != nil {
			return errors.Wrap(mapErr(ctx, err), "delete node", j.KV("path", path))
		}
		if resp.Deleted == 0 {
			return errors.Wrap(ErrNotFound, "", j.KV("path", path))
		}
		return nil
	}

	resp, err := c.cli.Txn(cctx).
		If(clientv3.Compare(clientv3.Version(path), "=", version)).
		Then(clientv3.OpDelete(path)).
		Else(clientv3.OpGet(path, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return errors.Wrap(mapErr(ctx, err), "delete node", j.KV("path", path))
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count == 0 {
			return errors.Wrap(ErrNotFound, "", j.KV("path", path))
		}
		return errors.New("version mismatch", j.MKV{"path": path, "version": version})
	}
	return nil
}

func (c *etcdClient) Children(ctx context.Context, path string) ([]string, error) {
	names, _, err := c.children(ctx, path, false)
	return names, err
}

func (c *etcdClient) ChildrenWatch(ctx context.Context, path string) ([]string, <-chan ChildEvent, error) {
	return c.children(ctx, path, true)
}

func (c *etcdClient) children(ctx context.Context, path string, watch bool) ([]string, <-chan ChildEvent, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	prefix := childPrefix(path)
	resp, err := c.cli.Get(cctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
	)
	if err != nil {
		return nil, nil, errors.Wrap(mapErr(ctx, err), "list children", j.KV("path", path))
	}

	var names []string
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		if strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if !watch {
		return names, nil, nil
	}

	ch := make(chan ChildEvent, 1)
	wctx, wcancel := context.WithCancel(c.watchCtx)
	wch := c.cli.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		defer close(ch)
		defer wcancel()
		for wresp := range wch {
			if wresp.Canceled {
				return
			}
			if len(wresp.Events) == 0 {
				continue
			}
			ch <- ChildEvent{Path: path}
			return
		}
	}()
	return names, ch, nil
}

func (c *etcdClient) Exists(ctx context.Context, path string) (bool, error) {
	ok, _, err := c.exists(ctx, path, false)
	return ok, err
}

func (c *etcdClient) ExistsWatch(ctx context.Context, path string) (bool, <-chan NodeEvent, error) {
	return c.exists(ctx, path, true)
}

func (c *etcdClient) exists(ctx context.Context, path string, watch bool) (bool, <-chan NodeEvent, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.cli.Get(cctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, nil, errors.Wrap(mapErr(ctx, err), "node exists", j.KV("path", path))
	}
	ok := resp.Count > 0

	if !watch {
		return ok, nil, nil
	}

	ch := make(chan NodeEvent, 1)
	wctx, wcancel := context.WithCancel(c.watchCtx)
	wch := c.cli.Watch(wctx, path, clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		defer close(ch)
		defer wcancel()
		for wresp := range wch {
			if wresp.Canceled {
				// Lost watch. The channel closes without an event and the
				// consumer re-checks from scratch.
				return
			}
			for _, ev := range wresp.Events {
				ch <- NodeEvent{
					Path:    path,
					Deleted: ev.Type == mvccpb.DELETE,
				}
				return
			}
		}
	}()
	return ok, ch, nil
}

// Close revokes the session lease, which removes all ephemeral nodes owned by
// this session, and releases the client.
func (c *etcdClient) Close() error {
	c.watchCancel()
	err := c.sess.Close()
	if cerr := c.cli.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "session teardown")
	}
	return nil
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return ""
	}
	return path[:i]
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}
