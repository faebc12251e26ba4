package network

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"ccbus/internal/debuglog"
	"ccbus/internal/metrics"
	"ccbus/internal/proto"
)

const (
	DefaultHWM      = 1000
	streamWriteWait = 10 * time.Second
)

var (
	ErrQueueFull   = errors.New("outbound queue full")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrClosed      = errors.New("socket closed")
)

// RecvFunc receives one inbound multipart message. It is called from the
// socket's reader goroutines.
type RecvFunc func(frames [][]byte)

// pipe is one long-lived stream with a bounded outbound queue drained by a
// dedicated writer goroutine.
type pipe struct {
	stream *quic.Stream
	out    chan [][]byte
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
	m      *metrics.Metrics
	// sent, when set, runs after each message is written.
	sent func()
}

func newPipe(stream *quic.Stream, hwm int, log zerolog.Logger, m *metrics.Metrics) *pipe {
	if hwm <= 0 {
		hwm = DefaultHWM
	}
	return &pipe{
		stream: stream,
		out:    make(chan [][]byte, hwm),
		done:   make(chan struct{}),
		log:    log,
		m:      m,
	}
}

// enqueue never blocks; a full queue drops the message.
func (p *pipe) enqueue(frames [][]byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- frames:
		return nil
	default:
		p.m.IncDropByReason("hwm")
		if debuglog.RateLimited("hwm", time.Second) {
			p.log.Warn().Int("hwm", cap(p.out)).Msg("outbound queue full, dropping")
		}
		return ErrQueueFull
	}
}

func (p *pipe) writeLoop() error {
	for {
		select {
		case <-p.done:
			return nil
		case frames := <-p.out:
			if err := p.stream.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
				return err
			}
			if err := proto.WriteMultipart(p.stream, frames); err != nil {
				return err
			}
			p.m.IncSent(proto.FramesSize(frames))
			if p.sent != nil {
				p.sent()
			}
		}
	}
}

func (p *pipe) readLoop(recv func([][]byte)) error {
	for {
		frames, err := proto.ReadMultipart(p.stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		p.m.IncReceived(proto.FramesSize(frames))
		recv(frames)
	}
}

func (p *pipe) close() {
	p.once.Do(func() {
		close(p.done)
		p.stream.CancelRead(0)
		_ = p.stream.Close()
	})
}

// run drives both directions until either fails or ctx ends.
func (p *pipe) run(ctx context.Context, recv func([][]byte)) error {
	errc := make(chan error, 2)
	go func() { errc <- p.writeLoop() }()
	go func() { errc <- p.readLoop(recv) }()
	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
	}
	p.close()
	return err
}
