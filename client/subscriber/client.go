package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/linluma/pricehub/shared/models"
	"github.com/linluma/pricehub/shared/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	ClientStreams: true,
}

// Client handles the gRPC connection to the prices service
type Client struct {
	serverAddress string
	dialOpts      []grpc.DialOption
	logger        *slog.Logger
	conn          *grpc.ClientConn
}

// NewClient creates a prices client. Connections are plaintext unless
// opts override the transport credentials.
func NewClient(serverAddress string, logger *slog.Logger, opts ...grpc.DialOption) *Client {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return &Client{
		serverAddress: serverAddress,
		dialOpts:      dialOpts,
		logger:        logger,
	}
}

// Connect establishes the connection to the prices service
func (c *Client) Connect() error {
	conn, err := grpc.NewClient(c.serverAddress, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Subscription is an open price stream. C is closed when the stream ends.
type Subscription struct {
	C <-chan models.Snapshot

	stream grpc.ClientStream
	sendMu sync.Mutex
}

// SetSymbols replaces the symbols the stream follows
func (s *Subscription) SetSymbols(symbols []string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return sendRequest(s.stream, wire.Request{Symbols: symbols})
}

// Subscribe opens a price stream on source (empty for the server default).
// Frames stop when ctx is done or the server ends the stream.
func (c *Client) Subscribe(ctx context.Context, source models.SourceName, symbols []string) (*Subscription, error) {
	if c.conn == nil {
		return nil, errors.New("client is not connected")
	}

	stream, err := c.conn.NewStream(ctx, subscribeDesc, wire.SubscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sendRequest(stream, wire.Request{Source: source, Symbols: symbols}); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	frames := make(chan models.Snapshot)
	go func() {
		defer close(frames)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					c.logger.Warn("stream receive error", "error", err)
				}
				return
			}
			snap, err := wire.DecodeSnapshot(msg)
			if err != nil {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			select {
			case frames <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{C: frames, stream: stream}, nil
}

// GetSnapshot fetches the current frame, filtered to symbols when any are given
func (c *Client) GetSnapshot(ctx context.Context, source models.SourceName, symbols []string) (models.Snapshot, error) {
	out, err := c.invoke(ctx, wire.GetSnapshotMethod, wire.Request{Source: source, Symbols: symbols})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return wire.DecodeSnapshot(out)
}

// GetCandles fetches analysed candles; limit 0 uses the server default
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.ProcessedCandle, error) {
	out, err := c.invoke(ctx, wire.GetCandlesMethod, wire.Request{Symbol: symbol, Interval: interval, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to get candles: %w", err)
	}
	return wire.DecodeCandles(out)
}

// Reconnect asks the server to restart a store's fetch cycle
func (c *Client) Reconnect(ctx context.Context, source models.SourceName) (models.Snapshot, error) {
	out, err := c.invoke(ctx, wire.ReconnectMethod, wire.Request{Source: source})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to reconnect: %w", err)
	}
	return wire.DecodeSnapshot(out)
}

func (c *Client) invoke(ctx context.Context, method string, req wire.Request) (*structpb.Struct, error) {
	if c.conn == nil {
		return nil, errors.New("client is not connected")
	}
	in, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func sendRequest(stream grpc.ClientStream, req wire.Request) error {
	msg, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}
