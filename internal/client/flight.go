package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient ships benchmark records to a Longbow server over Arrow Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a client for addr. Calls fail fast with
// ErrCircuitOpen after three consecutive failures, for ten seconds.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(3, 10*time.Second),
	}, nil
}

// Breaker exposes the circuit breaker guarding the connection.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// DoPut sends a RecordBatch to the given dataset on the server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	err := c.breaker.Do(func() error {
		return c.doPut(ctx, datasetName, record)
	})
	if err != nil {
		return fmt.Errorf("flight put %q: %w", datasetName, err)
	}
	recordsExported.WithLabelValues(datasetName).Add(float64(record.NumRows()))
	return nil
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	// the descriptor travels with the first message
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// drain put results until the server ends the stream
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// DoGet fetches the record batches the server streams back for ticket.
// The caller must Release every returned batch.
func (c *FlightClient) DoGet(ctx context.Context, ticket []byte) ([]arrow.RecordBatch, error) {
	var out []arrow.RecordBatch
	err := c.breaker.Do(func() error {
		stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
		if err != nil {
			return err
		}
		reader, err := flight.NewRecordReader(stream)
		if err != nil {
			return err
		}
		defer reader.Release()

		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			out = append(out, rec)
		}
		return reader.Err()
	})
	if err != nil {
		for _, rec := range out {
			rec.Release()
		}
		return nil, fmt.Errorf("flight get: %w", err)
	}
	log.Debug().Int("batches", len(out)).Msg("Flight DoGet complete")
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
