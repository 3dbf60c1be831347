// Package ioworker implements the I/O worker pool (§4.5): a fixed number
// of goroutines, each owning one physical Modbus connection, pulling sets
// and polls off the shared IOWorkQ (sets first, per §4.6's priority
// order) and reporting results back to main on the MainWorkQ.
package ioworker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/clock"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/decode"
	"github.com/modbusgw/gateway/internal/queue"
	"github.com/modbusgw/gateway/internal/work"
)

// handler is the subset of goburrow/modbus's client handlers this package
// needs; TCP and RTU handlers both satisfy it.
type handler interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// ConfigFunc returns the currently live config, so a worker reading it
// mid-poll after a reload sees the new component/connection layout rather
// than one captured at pool startup.
type ConfigFunc func() *config.Config

// Pool runs cfg.Connection.MaxNumConns worker goroutines against one
// shared IOWorkQ. The worker count itself is fixed at startup from the
// config in effect at New — reload can change register maps and decode
// entries live, but not the size of the connection pool.
type Pool struct {
	cfgFn ConfigFunc
	ioq   *queue.IOWorkQ
	mainq *queue.MainWorkQ
	clk   clock.Clock
	log   *zap.Logger
}

// New builds a Pool. Call Run to start the workers; Run blocks until ctx
// is cancelled.
func New(cfgFn ConfigFunc, ioq *queue.IOWorkQ, mainq *queue.MainWorkQ, clk clock.Clock, log *zap.Logger) *Pool {
	return &Pool{cfgFn: cfgFn, ioq: ioq, mainq: mainq, clk: clk, log: log}
}

// Run starts the worker pool and blocks until ctx is done, at which point
// every worker closes its connection and Run returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	n := p.cfgFn().Connection.MaxNumConns
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	h, client, err := p.connect(log)
	if err != nil {
		log.Error("initial connect failed, worker idle", zap.Error(err))
	}
	defer func() {
		if h != nil {
			h.Close()
		}
	}()

	for {
		setW, pollW, ok := p.ioq.Pop(ctx)
		if !ok {
			return
		}
		if client == nil {
			h, client, err = p.connect(log)
			if err != nil {
				// Nothing to work with this round; requeue isn't needed —
				// main re-issues polls every cycle and sets are retried by
				// the caller's own timeout/retry policy (§7).
				switch {
				case setW != nil:
					p.mainq.PushPub(errPub(setW.Items[0].ComponentIdx, setW.Items[0].MapIdx, err))
				case pollW != nil:
					p.mainq.PushPub(errPub(pollW.ComponentIdx, pollW.MapIdx, err))
				}
				continue
			}
		}

		var txErr error
		switch {
		case setW != nil:
			txErr = p.doSet(client, log, *setW)
		case pollW != nil:
			txErr = p.doPoll(client, log, *pollW)
		}

		if isConnectionFatal(txErr) {
			h.Close()
			h, client = nil, nil
		}
	}
}

func (p *Pool) connect(log *zap.Logger) (handler, mb.Client, error) {
	conn := p.cfgFn().Connection
	var h handler
	switch conn.Kind {
	case config.TransportTCP:
		th := mb.NewTCPClientHandler(fmt.Sprintf("%s:%d", conn.TCP.IP, conn.TCP.Port))
		th.Timeout = 5 * time.Second
		th.SlaveId = byte(conn.DeviceID)
		h = th
	case config.TransportRTU:
		rh := mb.NewRTUClientHandler(conn.RTU.Device)
		rh.BaudRate = conn.RTU.Baud
		rh.DataBits = conn.RTU.DataBits
		rh.StopBits = conn.RTU.StopBits
		rh.Parity = string(conn.RTU.Parity)
		rh.Timeout = 5 * time.Second
		rh.SlaveId = byte(conn.DeviceID)
		h = rh
	}
	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	log.Info("connected")
	return h, mb.NewClient(h), nil
}

func (p *Pool) doPoll(client mb.Client, log *zap.Logger, pw work.PollWork) error {
	comp := p.cfgFn().Components[pw.ComponentIdx]
	rm := comp.Maps[pw.MapIdx]

	start := time.Now()
	raw, err := readRegisterMap(client, rm)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("poll failed", zap.Int("component", pw.ComponentIdx), zap.Int("map", pw.MapIdx), zap.Error(err))
		p.mainq.PushPub(work.PubWork{
			ComponentIdx: pw.ComponentIdx,
			MapIdx:       pw.MapIdx,
			ErrnoCode:    classifyErrno(err),
			ErrnoText:    err.Error(),
			ResponseTime: elapsed,
		})
		return err
	}

	vals := make([]work.DecodedVal, len(rm.Decodes))
	for i, d := range rm.Decodes {
		words := wordsFor(raw, rm.RegType, rm.StartOffset, d.Offset, d.Spec.Size)
		v, rawVal := decode.Decode(words, d.Spec)
		vals[i] = work.DecodedVal{Value: v, Raw: rawVal}
	}

	p.mainq.PushPub(work.PubWork{
		ComponentIdx: pw.ComponentIdx,
		MapIdx:       pw.MapIdx,
		ResponseTime: elapsed,
		Vals:         vals,
	})
	return nil
}

func (p *Pool) doSet(client mb.Client, log *zap.Logger, sw work.SetWork) error {
	for _, item := range sw.Items {
		comp := p.cfgFn().Components[item.ComponentIdx]
		rm := comp.Maps[item.MapIdx]
		entry := rm.Decodes[item.DecodeIdx]

		// item.BitIdx indexes the entry's compressed BitStrings slice (nulls
		// already dropped at config build time), but Encode wants the actual
		// register bit position — translate before encoding.
		bitPos := item.BitIdx
		if bitPos != work.IdxAll {
			bitPos = int(entry.BitStrings[bitPos].BeginBit)
		}
		words := decode.Encode(item.Value, entry.Spec, bitPos, item.PrevRaw)
		if err := writeDecodeEntry(client, rm, entry, words); err != nil {
			log.Warn("set failed", zap.Int("component", item.ComponentIdx), zap.Int("map", item.MapIdx), zap.Int("decode", item.DecodeIdx), zap.Error(err))
			p.mainq.PushPub(errPub(item.ComponentIdx, item.MapIdx, err))
			return err
		}
	}
	if sw.ReplyTo != "" {
		p.mainq.PushPub(work.PubWork{ComponentIdx: work.IdxAll, MapIdx: work.IdxAll})
	}
	return nil
}

func errPub(componentIdx, mapIdx int, err error) work.PubWork {
	return work.PubWork{ComponentIdx: componentIdx, MapIdx: mapIdx, ErrnoCode: classifyErrno(err), ErrnoText: err.Error()}
}

// classifyErrno maps a transport error to a small stable integer so
// publish bodies and logs carry a machine-comparable code across restarts
// (§4.7's errno field), independent of the exact driver error string.
func classifyErrno(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return 1 // timeout
	case isConnectionFatal(err):
		return 2 // connection reset/broken pipe, reconnect required
	default:
		return 3 // generic transaction failure (exception response, bad CRC, etc.)
	}
}

// isConnectionFatal reports whether err indicates the underlying socket or
// serial port needs to be closed and reopened, rather than just retried on
// the existing connection (§4.5/§7).
func isConnectionFatal(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func readRegisterMap(client mb.Client, rm config.RegisterMap) ([]byte, error) {
	switch rm.RegType {
	case decode.Holding:
		return client.ReadHoldingRegisters(rm.StartOffset, rm.NumRegisters)
	case decode.Input:
		return client.ReadInputRegisters(rm.StartOffset, rm.NumRegisters)
	case decode.Coil:
		return client.ReadCoils(rm.StartOffset, rm.NumRegisters)
	case decode.DiscreteInput:
		return client.ReadDiscreteInputs(rm.StartOffset, rm.NumRegisters)
	default:
		return nil, fmt.Errorf("unknown register type %v", rm.RegType)
	}
}

// wordsFor extracts a decode entry's registers from a map-wide read. For
// coil/discrete-input maps it unpacks one bit per "register" so the same
// decode.Decode path handles every register type uniformly.
func wordsFor(raw []byte, regType decode.RegType, mapStart, entryOffset uint16, size int) []uint16 {
	if regType == decode.Coil || regType == decode.DiscreteInput {
		idx := int(entryOffset - mapStart)
		byteIdx, bitIdx := idx/8, uint(idx%8)
		if byteIdx >= len(raw) {
			return []uint16{0}
		}
		bit := (raw[byteIdx] >> bitIdx) & 0x1
		return []uint16{uint16(bit)}
	}

	words := make([]uint16, size)
	base := int(entryOffset-mapStart) * 2
	for i := 0; i < size; i++ {
		if base+i*2+2 > len(raw) {
			break
		}
		words[i] = binary.BigEndian.Uint16(raw[base+i*2 : base+i*2+2])
	}
	return words
}

func writeDecodeEntry(client mb.Client, rm config.RegisterMap, entry config.DecodeEntry, words []uint16) error {
	switch rm.RegType {
	case decode.Holding:
		if !entry.Spec.MultiWriteOpCode && entry.Spec.Size == 1 {
			_, err := client.WriteSingleRegister(entry.Offset, words[0])
			return err
		}
		buf := make([]byte, len(words)*2)
		for i, w := range words {
			binary.BigEndian.PutUint16(buf[i*2:i*2+2], w)
		}
		_, err := client.WriteMultipleRegisters(entry.Offset, uint16(len(words)), buf)
		return err
	case decode.Coil:
		if !entry.Spec.MultiWriteOpCode {
			val := uint16(0)
			if words[0] != 0 {
				val = 0xFF00
			}
			_, err := client.WriteSingleCoil(entry.Offset, val)
			return err
		}
		buf := []byte{0}
		if words[0] != 0 {
			buf[0] = 0x01
		}
		_, err := client.WriteMultipleCoils(entry.Offset, 1, buf)
		return err
	default:
		return fmt.Errorf("register type %v is read-only", rm.RegType)
	}
}
