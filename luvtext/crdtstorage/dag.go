package crdtstorage

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	ipfslite "github.com/hsanjuan/ipfs-lite"
	blockservice "github.com/ipfs/go-blockservice"
	ds "github.com/ipfs/go-datastore"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	dag "github.com/ipfs/go-merkledag"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
)

// NewOfflineDAG는 로컬 블록스토어만 사용하는 DAG 서비스를 생성합니다.
// 블록을 공유하는 저장소(예: 같은 Redis)를 쓰는 복제본끼리만 동기화됩니다.
func NewOfflineDAG(store ds.Batching) format.DAGService {
	bs := blockstore.NewBlockstore(store)
	return dag.NewDAGService(blockservice.New(bs, nil))
}

// DAGPeer는 없는 DAG 노드를 네트워크에서 가져오는 IPFS-Lite 피어입니다.
type DAGPeer struct {
	*ipfslite.Peer
	host   host.Host
	cancel context.CancelFunc
}

// NewDAGPeer는 store 위에 libp2p 호스트와 IPFS-Lite 피어를 생성합니다.
func NewDAGPeer(ctx context.Context, store ds.Batching, listenAddrs ...string) (*DAGPeer, error) {
	pctx, cancel := context.WithCancel(ctx)

	addrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, a := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		addrs = append(addrs, ma)
	}

	connManager, err := connmgr.NewConnManager(100, 400, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, err
	}
	hostkey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		cancel()
		return nil, err
	}

	h, dht, err := ipfslite.SetupLibp2p(pctx, hostkey, nil, addrs, store,
		libp2p.ConnectionManager(connManager),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to setup libp2p: %w", err)
	}

	lite, err := ipfslite.New(pctx, store, blockstore.NewBlockstore(store), h, dht, &ipfslite.Config{
		ReprovideInterval: 12 * time.Hour,
	})
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create IPFS-Lite peer: %w", err)
	}
	return &DAGPeer{Peer: lite, host: h, cancel: cancel}, nil
}

// Host는 피어의 libp2p 호스트를 반환합니다.
func (p *DAGPeer) Host() host.Host {
	return p.host
}

// Bootstrap은 p2p 주소 목록의 피어들에 연결합니다.
func (p *DAGPeer) Bootstrap(addrs []string) error {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		info, err := peer.AddrInfoFromString(a)
		if err != nil {
			return fmt.Errorf("invalid peer address %q: %w", a, err)
		}
		infos = append(infos, *info)
	}
	p.Peer.Bootstrap(infos)
	return nil
}

// Close는 호스트를 닫습니다. 저장소는 닫지 않습니다.
func (p *DAGPeer) Close() error {
	err := p.host.Close()
	p.cancel()
	return err
}
