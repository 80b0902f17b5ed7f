// ABOUTME: Bounded pool of AMQP channels shared by publishers
// ABOUTME: Grows lazily up to capacity and replaces channels that closed underneath

package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

const defaultPoolRetryDelay = 50 * time.Millisecond

// channelPool keeps at most capacity channels open.
// Invariant: len(permits) == channels open (idle + borrowed).
type channelPool struct {
	conn    *amqp.Connection
	idle    chan *amqp.Channel
	permits chan struct{}
	retry   time.Duration

	closed atomic.Bool
	openMu sync.Mutex
}

func newChannelPool(conn *amqp.Connection, capacity int, retry time.Duration) *channelPool {
	if capacity <= 0 {
		capacity = 4
	}
	if retry <= 0 {
		retry = defaultPoolRetryDelay
	}
	return &channelPool{
		conn:    conn,
		idle:    make(chan *amqp.Channel, capacity),
		permits: make(chan struct{}, capacity),
		retry:   retry,
	}
}

// borrow returns an open channel, waiting for one to be returned when the
// pool is at capacity.
func (p *channelPool) borrow(ctx context.Context) (*amqp.Channel, error) {
	for {
		if p.closed.Load() {
			return nil, errPoolClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-p.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			// Keep the permit and swap in a fresh channel.
			nch, err := p.open()
			if err != nil {
				<-p.permits
				if errors.Is(err, errConnClosed) {
					return nil, err
				}
				continue
			}
			return nch, nil

		default:
			if p.conn.IsClosed() {
				return nil, errConnClosed
			}
			select {
			case p.permits <- struct{}{}:
				nch, err := p.open()
				if err != nil {
					<-p.permits
					return nil, err
				}
				return nch, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retry):
			}
		}
	}
}

// give returns a borrowed channel. Closed channels release their permit.
func (p *channelPool) give(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if p.closed.Load() || ch.IsClosed() {
		safeClose(ch)
		p.releasePermit()
		return
	}
	select {
	case p.idle <- ch:
	default:
		safeClose(ch)
		p.releasePermit()
	}
}

func (p *channelPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.idle)
	for ch := range p.idle {
		safeClose(ch)
		p.releasePermit()
	}
}

func (p *channelPool) open() (*amqp.Channel, error) {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if p.conn.IsClosed() {
		return nil, errConnClosed
	}
	return p.conn.Channel()
}

func (p *channelPool) releasePermit() {
	select {
	case <-p.permits:
	default:
	}
}

func safeClose(ch *amqp.Channel) {
	defer func() { _ = recover() }()
	_ = ch.Close()
}
