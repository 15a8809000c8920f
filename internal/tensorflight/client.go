package tensorflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

var ErrNotFound = errors.New("tensorflight: tensor not found")

// Client fetches and pushes tensors on a Flight service such as Server.
type Client struct {
	client flight.Client
	addr   string
	mem    memory.Allocator
	log    *logger.Logger
}

// Dial connects lazily to addr (host:port) over plaintext gRPC; extra
// options are applied after the default insecure credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client for %s: %w", addr, err)
	}
	return &Client{
		client: c,
		addr:   addr,
		mem:    memory.DefaultAllocator,
		log:    logger.Log.With("component", "tensorflight", "addr", addr),
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Fetch downloads one tensor by name.
func (c *Client) Fetch(ctx context.Context, name string) (*tensor.Tensor, error) {
	desc := &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: strings.Split(name, "/")}
	info, err := c.client.GetFlightInfo(ctx, desc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("flight info for %q: %w", name, err)
	}
	if len(info.GetEndpoint()) == 0 {
		return nil, fmt.Errorf("%w: %q has no endpoint", ErrNotFound, name)
	}

	stream, err := c.client.DoGet(ctx, info.GetEndpoint()[0].GetTicket())
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", name, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", name, err)
	}
	defer rdr.Release()

	var found *tensor.Tensor
	for rdr.Next() {
		ts, err := DecodeRecord(rdr.Record())
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
		for _, t := range ts {
			if t.Name == name {
				found = t
			}
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %q: %w", name, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q missing from stream", ErrNotFound, name)
	}
	metrics.RecordFlightTransfer("in", len(found.Bytes()))
	return found, nil
}

// FetchWeights downloads names with at most parallel requests in flight
// and stops at the first failure.
func (c *Client) FetchWeights(ctx context.Context, names []string, parallel int) (map[string]*tensor.Tensor, error) {
	fetched := make([]*tensor.Tensor, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, name := range names {
		g.Go(func() error {
			t, err := c.Fetch(gctx, name)
			if err != nil {
				return err
			}
			fetched[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*tensor.Tensor, len(names))
	total := 0
	for i, name := range names {
		out[name] = fetched[i]
		total += len(fetched[i].Bytes())
	}
	c.log.Info("Fetched weights", "tensors", len(out), "bytes", total)
	return out, nil
}

// Put uploads ts in one stream. A non-empty prefix is stored as a PATH
// descriptor and prepended to every name on the server.
func (c *Client) Put(ctx context.Context, prefix string, ts ...*tensor.Tensor) error {
	rec, err := EncodeTensors(c.mem, ts...)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(c.mem))
	if prefix != "" {
		w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: strings.Split(prefix, "/")})
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("put rejected: %w", err)
		}
	}
	for _, t := range ts {
		metrics.RecordFlightTransfer("out", t.Len()*t.DataType().Size())
	}
	c.log.Debug("Pushed tensors", "count", len(ts), "prefix", prefix)
	return nil
}

// List returns the names of every tensor the server holds.
func (c *Client) List(ctx context.Context) ([]string, error) {
	stream, err := c.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list flights: %w", err)
		}
		names = append(names, strings.Join(info.GetFlightDescriptor().GetPath(), "/"))
	}
}
