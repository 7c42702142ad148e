// Package discovery finds the introducer through etcd. The first node to
// claim the introducer key founds the group; later nodes read the key and
// join through whoever holds it. Every node also registers itself under a
// members prefix so operators can see who is up.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// ErrIntroducerVanished means the introducer key expired while we were
// reading it. Registering again will claim it.
var ErrIntroducerVanished = errors.New("introducer key vanished during registration")

const (
	prefix        = "/zephyrgossip"
	introducerKey = prefix + "/introducer"
	membersPrefix = prefix + "/members/"
)

// Client is the part of the etcd client discovery uses. *clientv3.Client
// satisfies it.
type Client interface {
	clientv3.KV
	clientv3.Lease
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Registration is this node's presence in etcd. Its keys live as long as
// the lease, which is kept alive until ctx passed to Register is done.
type Registration struct {
	Introducer gossip.Address
	Lease      clientv3.LeaseID
}

// Founder reports whether self won the introducer key.
func (r Registration) Founder(self gossip.Address) bool {
	return r.Introducer == self
}

// Register grants a lease, registers self as a member and either claims
// the introducer key or reads who already holds it.
// The lease is revoked if registration fails after it was granted.
func Register(ctx context.Context, cli Client, self gossip.Address, ttl int64, logger *zap.Logger) (Registration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return Registration{}, fmt.Errorf("grant lease: %w", err)
	}

	val := self.HostPort()
	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(introducerKey), "=", 0)).
		Then(
			clientv3.OpPut(introducerKey, val, clientv3.WithLease(lease.ID)),
			clientv3.OpPut(memberKey(self), val, clientv3.WithLease(lease.ID)),
		).
		Else(
			clientv3.OpGet(introducerKey),
			clientv3.OpPut(memberKey(self), val, clientv3.WithLease(lease.ID)),
		).
		Commit()
	if err != nil {
		revoke(ctx, cli, lease.ID, logger)
		return Registration{}, fmt.Errorf("register %s: %w", self, err)
	}

	reg := Registration{Introducer: self, Lease: lease.ID}
	if !resp.Succeeded {
		kvs := resp.Responses[0].GetResponseRange().GetKvs()
		if len(kvs) == 0 {
			// holder's lease expired between compare and get
			revoke(ctx, cli, lease.ID, logger)
			return Registration{}, ErrIntroducerVanished
		}
		if reg.Introducer, err = parseValue(kvs[0].Value); err != nil {
			revoke(ctx, cli, lease.ID, logger)
			return Registration{}, err
		}
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		revoke(ctx, cli, lease.ID, logger)
		return Registration{}, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		logger.Info("etcd lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()

	logger.Info("registered with etcd",
		zap.Stringer("self", self),
		zap.Stringer("introducer", reg.Introducer),
		zap.Bool("founder", reg.Founder(self)))
	return reg, nil
}

// LookupIntroducer returns the current introducer, if any.
func LookupIntroducer(ctx context.Context, kv clientv3.KV) (gossip.Address, bool, error) {
	resp, err := kv.Get(ctx, introducerKey)
	if err != nil {
		return gossip.NullAddress, false, err
	}
	if len(resp.Kvs) == 0 {
		return gossip.NullAddress, false, nil
	}
	a, err := parseValue(resp.Kvs[0].Value)
	return a, err == nil, err
}

// Members lists every registered node. This is the etcd view, which lags
// lease expiry; the gossip table is the one the protocol acts on.
func Members(ctx context.Context, kv clientv3.KV) ([]gossip.Address, error) {
	resp, err := kv.Get(ctx, membersPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]gossip.Address, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		a, err := parseValue(kv.Value)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Deregister revokes the lease, dropping the member key and, if we held
// it, the introducer key.
func Deregister(ctx context.Context, lease clientv3.Lease, reg Registration) error {
	_, err := lease.Revoke(ctx, reg.Lease)
	return err
}

// Directory serves the etcd view of the group.
type Directory struct {
	kv clientv3.KV
}

func NewDirectory(kv clientv3.KV) *Directory {
	return &Directory{kv: kv}
}

func (d *Directory) Introducer(ctx context.Context) (gossip.Address, bool, error) {
	return LookupIntroducer(ctx, d.kv)
}

func (d *Directory) Members(ctx context.Context) ([]gossip.Address, error) {
	return Members(ctx, d.kv)
}

// revoke drops a lease we no longer want, even if ctx is already done.
func revoke(ctx context.Context, lease clientv3.Lease, id clientv3.LeaseID, logger *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := lease.Revoke(rctx, id); err != nil {
		logger.Warn("revoke etcd lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

func memberKey(a gossip.Address) string {
	return membersPrefix + a.HostPort()
}

func parseValue(v []byte) (gossip.Address, error) {
	a, err := gossip.ParseAddress(strings.TrimSpace(string(v)))
	if err != nil {
		return gossip.NullAddress, fmt.Errorf("bad address in etcd %q: %w", v, err)
	}
	return a, nil
}
