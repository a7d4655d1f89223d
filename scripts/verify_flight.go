//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-fastseq/internal/client"
)

// Runs a short benchmark on a fastseq Flight server and checks that the
// beam-aware variant matches the baseline.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to fastseq Flight Server")
	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	const steps = 4
	ticket, err := cbor.Marshal(map[string]any{
		"variants": []string{"marian", "beam"},
		"steps":    steps,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode ticket")
	}

	var batches int
	start := time.Now()
	for i := 0; i < 10; i++ {
		recs, err := c.DoGet(context.Background(), ticket)
		if err != nil {
			log.Warn().Err(err).Msg("DoGet failed, retrying...")
			time.Sleep(time.Second)
			continue
		}
		for _, rec := range recs {
			if rec.NumRows() != 2*steps {
				log.Fatal().Int64("rows", rec.NumRows()).Msg("Row count mismatch")
			}
			diff := rec.Column(4).(*array.Float32)
			for row := 0; row < diff.Len(); row++ {
				if diff.Value(row) > 1e-3 {
					log.Fatal().Int("row", row).Float32("max_abs_diff", diff.Value(row)).Msg("Variants disagree")
				}
			}
			rec.Release()
			batches++
		}
		break
	}
	if batches == 0 {
		log.Fatal().Msg("No stats received")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("batches", batches).Msg("Received benchmark stats")

	fmt.Println("VERIFICATION PASSED")
}
