package client

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-fastseq/internal/bench"
)

// StatsSchema is the column layout of benchmark step records.
var StatsSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "variant", Type: arrow.BinaryTypes.String},
		{Name: "duration_ns", Type: arrow.PrimitiveTypes.Int64},
		{Name: "cache_bytes", Type: arrow.PrimitiveTypes.Int64},
		{Name: "max_abs_diff", Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

// StatsRecordBuilder creates Arrow RecordBatches from benchmark steps.
type StatsRecordBuilder struct {
	mem memory.Allocator
}

// NewStatsRecordBuilder creates a new builder.
func NewStatsRecordBuilder(mem memory.Allocator) *StatsRecordBuilder {
	return &StatsRecordBuilder{mem: mem}
}

// Build converts step stats into one RecordBatch with StatsSchema.
// It returns nil for an empty slice.
func (b *StatsRecordBuilder) Build(stats []bench.StepStat) arrow.RecordBatch {
	if len(stats) == 0 {
		return nil
	}

	step := array.NewInt32Builder(b.mem)
	defer step.Release()
	variant := array.NewStringBuilder(b.mem)
	defer variant.Release()
	duration := array.NewInt64Builder(b.mem)
	defer duration.Release()
	cache := array.NewInt64Builder(b.mem)
	defer cache.Release()
	diff := array.NewFloat32Builder(b.mem)
	defer diff.Release()

	for _, st := range stats {
		step.Append(int32(st.Step))
		variant.Append(string(st.Variant))
		duration.Append(st.Duration.Nanoseconds())
		cache.Append(int64(st.CacheBytes))
		diff.Append(st.MaxAbsDiff)
	}

	cols := []arrow.Array{step.NewArray(), variant.NewArray(), duration.NewArray(), cache.NewArray(), diff.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(StatsSchema, cols, int64(len(stats)))
}

// WriteIPC writes rec to w as an Arrow IPC stream.
func WriteIPC(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
