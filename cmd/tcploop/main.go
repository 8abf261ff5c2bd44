package main

import (
	"bytes"
	"flag"
	"log"

	"github.com/impact-eintr/tcpcore/logger"
	"github.com/impact-eintr/tcpcore/tcpip"
	"github.com/impact-eintr/tcpcore/tcpip/header"
	"github.com/impact-eintr/tcpcore/tcpip/transport/tcp"
)

// 两个传输引擎背靠背跑在一条内存线上 不经过网卡
// 演示握手 数据传输 丢包恢复 和四次挥手的完整生命周期

var (
	size    = flag.Int("size", 256<<10, "bytes to transfer")
	dropNth = flag.Int("drop", 0, "drop the n-th data segment once to exercise fast retransmit")
	verbose = flag.Bool("v", false, "log handshake and congestion control events")
)

// txFifo 会话层发送fifo 偏移相对sndUna
type txFifo struct {
	buf []byte
}

func (q *txFifo) Len() int { return len(q.buf) }

func (q *txFifo) Peek(offset int, b []byte) int {
	if offset >= len(q.buf) {
		return 0
	}
	return copy(b, q.buf[offset:])
}

func (q *txFifo) Discard(n int) {
	if n > len(q.buf) {
		n = len(q.buf)
	}
	q.buf = q.buf[n:]
}

// rxFifo 会话层接收fifo 乱序段先暂存 补齐后一并交付
type rxFifo struct {
	base uint32
	data []byte
	ooo  map[uint32][]byte
}

func newRxFifo() *rxFifo {
	return &rxFifo{ooo: make(map[uint32][]byte)}
}

func (r *rxFifo) Enqueue(offset uint32, b []byte) uint32 {
	if offset != 0 {
		r.ooo[r.base+offset] = append([]byte(nil), b...)
		return 0
	}
	r.data = append(r.data, b...)
	r.base += uint32(len(b))
	adv := uint32(len(b))
	for {
		seg, ok := r.ooo[r.base]
		if !ok {
			return adv
		}
		delete(r.ooo, r.base)
		r.data = append(r.data, seg...)
		r.base += uint32(len(seg))
		adv += uint32(len(seg))
	}
}

// wireSeg 在线上飞的段 带着发送方视角的四元组
type wireSeg struct {
	id   tcp.ConnectionID
	spec *tcp.SegmentSpec
}

// host 一端: 协议栈 按四元组索引的连接表 和一个入包队列
type host struct {
	name  string
	stack *tcp.Stack
	conns map[tcp.ConnectionID]*tcp.Connection
	inbox []wireSeg

	listener *tcp.Connection

	dataSegs int
	dropped  bool
}

func flip(id tcp.ConnectionID) tcp.ConnectionID {
	return tcp.ConnectionID{
		LocalAddress:  id.RemoteAddress,
		RemoteAddress: id.LocalAddress,
		LocalPort:     id.RemotePort,
		RemotePort:    id.LocalPort,
	}
}

// deliver 把入包队列里的段喂给对应的连接 SYN交给监听者
func (h *host) deliver() {
	pending := h.inbox
	h.inbox = nil
	for _, ws := range pending {
		seg := &tcp.Segment{
			ConnID:  flip(ws.id),
			SeqNum:  ws.spec.SeqNum,
			AckNum:  ws.spec.AckNum,
			Flags:   ws.spec.Flags,
			Window:  ws.spec.Window,
			Options: ws.spec.Options,
			Payload: ws.spec.Payload,
		}
		if ws.spec.SynOptions != nil {
			seg.SynOptions = *ws.spec.SynOptions
		}
		if tc, ok := h.conns[seg.ConnID]; ok && tc.State() != tcp.StateClosed {
			tc.OnSegment(seg)
			continue
		}
		if h.listener != nil && seg.Flags&header.FlagSyn != 0 && seg.Flags&header.FlagAck == 0 {
			h.listener.OnSegment(seg)
			continue
		}
		log.Printf("%s: no connection for %v, dropping", h.name, seg.ConnID)
	}
}

// sendTo 构造发包回调 每个发出的段注册发送连接并压进对端入包队列
func (h *host) sendTo(peer *host) func(tc *tcp.Connection, s *tcp.SegmentSpec) {
	return func(tc *tcp.Connection, s *tcp.SegmentSpec) {
		h.conns[tc.ID()] = tc
		if len(s.Payload) > 0 {
			h.dataSegs++
			if *dropNth > 0 && h.dataSegs == *dropNth && !h.dropped {
				h.dropped = true
				log.Printf("%s: dropping data segment #%d (seq %d, %d bytes)",
					h.name, h.dataSegs, s.SeqNum, len(s.Payload))
				return
			}
		}
		// 段描述符里的选项切片和连接状态共享底层数组 上线前拍个快照
		cp := *s
		cp.Payload = append([]byte(nil), s.Payload...)
		cp.Options.SACKBlocks = append([]header.SACKBlock(nil), s.Options.SACKBlocks...)
		peer.inbox = append(peer.inbox, wireSeg{id: tc.ID(), spec: &cp})
	}
}

func main() {
	flag.Parse()
	if *verbose {
		logger.SetFlags(logger.HANDSHAKE | logger.CC | logger.TIMER)
	}
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	cfg := tcpip.DefaultConfig()

	client := &host{name: "client", conns: make(map[tcp.ConnectionID]*tcp.Connection)}
	server := &host{name: "server", conns: make(map[tcp.ConnectionID]*tcp.Connection)}
	client.stack = tcp.NewStack(cfg, 1, client.sendTo(server))
	server.stack = tcp.NewStack(cfg, 1, server.sendTo(client))

	serverID := tcp.ConnectionID{LocalAddress: "10.0.0.2", LocalPort: 80}
	serverRx := newRxFifo()
	var serverConn *tcp.Connection
	lst, err := server.stack.NewListener(0, serverID,
		func(tc *tcp.Connection) (tcp.TxQueue, tcp.RxSink) {
			serverConn = tc
			log.Printf("server: accepted %v", tc.ID())
			return &txFifo{}, serverRx
		})
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	server.listener = lst

	// 要传的字节流 建连完成后由引擎自己按cwnd clock out
	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	clientID := tcp.ConnectionID{
		LocalAddress: "10.0.0.1", LocalPort: 4444,
		RemoteAddress: "10.0.0.2", RemotePort: 80,
	}
	clientTx := &txFifo{buf: append([]byte(nil), payload...)}
	clientConn, err := client.stack.OpenConnection(0, clientID, clientTx, newRxFifo())
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	cwrk := client.stack.Worker(0)
	swrk := server.stack.Worker(0)

	closing := false
	nowMs := uint32(1000)
	for step := 0; step < 100_000; step++ {
		server.deliver()
		client.deliver()

		nowMs += 10
		cwrk.SetNow(nowMs, float64(nowMs)/1000)
		swrk.SetNow(nowMs, float64(nowMs)/1000)

		// 发送额度随ACK增长 每轮都推一把输出
		if clientConn.State() == tcp.StateEstablished {
			clientConn.SendData()
		}

		if !closing && len(serverRx.data) == *size {
			log.Printf("server: received %d bytes, closing", len(serverRx.data))
			closing = true
			if err := clientConn.Close(); err != nil {
				log.Fatalf("close: %v", err)
			}
		}
		// 服务端看到对端FIN后跟着关闭
		if serverConn != nil && serverConn.State() == tcp.StateCloseWait {
			if err := serverConn.Close(); err != nil {
				log.Fatalf("server close: %v", err)
			}
		}

		for _, tc := range cwrk.PendingDisconnects() {
			log.Fatalf("client: %v disconnected", tc.ID())
		}
		for _, tc := range swrk.PendingDisconnects() {
			log.Fatalf("server: %v disconnected", tc.ID())
		}

		if closing && clientConn.State() == tcp.StateClosed &&
			(serverConn == nil || serverConn.State() == tcp.StateClosed) {
			break
		}
	}

	if !bytes.Equal(serverRx.data, payload) {
		log.Fatalf("payload corrupted: got %d bytes, want %d", len(serverRx.data), *size)
	}
	log.Printf("transfer ok: %d bytes, client %v, server %v", *size, clientConn, serverConn)
	logger.Sync()
}
