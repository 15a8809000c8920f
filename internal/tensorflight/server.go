package tensorflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-forge/internal/logger"
	"github.com/23skdu/longbow-forge/internal/metrics"
	"github.com/23skdu/longbow-forge/internal/tensor"
)

// Server is an in-memory tensor store exposed as a Flight service. Each
// tensor is one flight, addressed by a PATH descriptor of its name split
// on "/", and its ticket is the name itself.
type Server struct {
	flight.BaseFlightServer

	mem memory.Allocator
	log *logger.Logger

	mu      sync.RWMutex
	tensors map[string]*tensor.Tensor

	srv flight.Server
}

func NewServer(mem memory.Allocator) *Server {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Server{
		mem:     mem,
		log:     logger.Log.With("component", "tensorflight"),
		tensors: make(map[string]*tensor.Tensor),
	}
}

// Add stores host copies of ts under their names, replacing older entries.
func (s *Server) Add(ts ...*tensor.Tensor) error {
	copies := make([]*tensor.Tensor, len(ts))
	for i, t := range ts {
		if t.Name == "" {
			return fmt.Errorf("tensorflight: cannot store unnamed tensor %s", t)
		}
		c := tensor.Empty(t.DataType())
		if err := c.CopyFrom(t); err != nil {
			return fmt.Errorf("store %q: %w", t.Name, err)
		}
		c.Name = t.Name
		copies[i] = c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range copies {
		s.tensors[c.Name] = c
	}
	return nil
}

func (s *Server) Get(name string) (*tensor.Tensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tensors[name]
	return t, ok
}

// Names lists the stored tensors in lexical order.
func (s *Server) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tensors))
	for name := range s.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start listens on addr and serves in the background. Use "localhost:0" for
// an ephemeral port and Addr to find it.
func (s *Server) Start(addr string) error {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return fmt.Errorf("tensorflight listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	s.srv = srv
	go func() {
		if err := srv.Serve(); err != nil {
			s.log.Error("Flight server stopped", "error", err)
		}
	}()
	s.log.Info("Flight server listening", "addr", srv.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.srv == nil {
		return nil
	}
	return s.srv.Addr()
}

func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
		s.srv = nil
	}
}

func (s *Server) info(name string, t *tensor.Tensor) *flight.FlightInfo {
	return &flight.FlightInfo{
		Schema: flight.SerializeSchema(Schema, s.mem),
		FlightDescriptor: &flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: strings.Split(name, "/"),
		},
		Endpoint:     []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
		TotalRecords: 1,
		TotalBytes:   int64(t.Len() * t.DataType().Size()),
	}
}

func (s *Server) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	name := strings.Join(desc.GetPath(), "/")
	t, ok := s.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "tensor %q not found", name)
	}
	return s.info(name, t), nil
}

func (s *Server) ListFlights(_ *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	for _, name := range s.Names() {
		t, ok := s.Get(name)
		if !ok {
			continue
		}
		if err := fs.Send(s.info(name, t)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	t, ok := s.Get(name)
	if !ok {
		return status.Errorf(codes.NotFound, "tensor %q not found", name)
	}
	rec, err := EncodeTensors(s.mem, t)
	if err != nil {
		return status.Errorf(codes.Internal, "encode %q: %v", name, err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(Schema), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return err
	}
	metrics.RecordFlightTransfer("out", len(t.Bytes()))
	s.log.Debug("Served tensor", "name", name, "dims", t.Dims())
	return w.Close()
}

// DoPut stores every tensor of the stream. A PATH descriptor on the first
// message prefixes the stored names.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "open stream: %v", err)
	}
	defer rdr.Release()

	prefix := ""
	if desc := rdr.LatestFlightDescriptor(); desc != nil && len(desc.GetPath()) > 0 {
		prefix = strings.Join(desc.GetPath(), "/") + "/"
	}

	stored := 0
	for rdr.Next() {
		ts, err := DecodeRecord(rdr.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
		for _, t := range ts {
			t.Name = prefix + t.Name
			metrics.RecordFlightTransfer("in", len(t.Bytes()))
		}
		if err := s.Add(ts...); err != nil {
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
		stored += len(ts)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	s.log.Debug("Stored tensors", "count", stored, "prefix", prefix)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(stored))})
}
