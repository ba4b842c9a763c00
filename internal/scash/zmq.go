package scash

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/scashpool/pkg/log"
)

// TopicHashBlock is the node's ZMQ topic for new best-chain blocks.
const TopicHashBlock = "hashblock"

// ZMQNotifier receives new-block notifications from the node.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
	poll     time.Duration
}

// NewZMQNotifier creates a SUB socket subscribed to hashblock. Connect must
// be called before Listen.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetSubscribe(TopicHashBlock); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", TopicHashBlock, err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
		poll:     500 * time.Millisecond,
	}, nil
}

// Connect connects to the node's ZMQ endpoint.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers each new block hash (display hex) to onBlock until ctx is
// cancelled.
func (z *ZMQNotifier) Listen(ctx context.Context, onBlock func(blockHash string)) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		polled, err := poller.Poll(z.poll)
		if err != nil {
			z.logger.Error("ZMQ poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		hash, err := ParseHashBlock(msg)
		if err != nil {
			z.logger.Warn("ignoring ZMQ message", "error", err)
			continue
		}

		z.logger.Debug("new block notification", "hash", hash)
		onBlock(hash)
	}
}

// Close closes the socket.
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// ParseHashBlock extracts the block hash from a multipart hashblock message
// (topic, 32-byte hash, sequence).
func ParseHashBlock(parts [][]byte) (string, error) {
	if len(parts) < 2 {
		return "", fmt.Errorf("malformed message with %d parts", len(parts))
	}
	if topic := string(parts[0]); topic != TopicHashBlock {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	if len(parts[1]) != 32 {
		return "", fmt.Errorf("invalid block hash length: %d", len(parts[1]))
	}

	reversed := slices.Clone(parts[1])
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed), nil
}
