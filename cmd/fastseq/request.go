package main

import (
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-fastseq/internal/bench"
	"github.com/23skdu/longbow-fastseq/internal/decoder"
)

// maxRequestBytes caps a /bench body.
const maxRequestBytes = 1 << 20

// requestLimits bounds what one remote request may allocate.
// A zero field is unbounded.
type requestLimits struct {
	Groups int
	SrcLen int
	Steps  int
}

func defaultLimits() requestLimits {
	return requestLimits{Groups: 64, SrcLen: 1024, Steps: 256}
}

func (l requestLimits) check(o bench.Options) error {
	if l.Groups > 0 && o.Groups > l.Groups {
		return fmt.Errorf("groups %d exceeds limit %d", o.Groups, l.Groups)
	}
	if l.SrcLen > 0 && o.SrcLen > l.SrcLen {
		return fmt.Errorf("src_len %d exceeds limit %d", o.SrcLen, l.SrcLen)
	}
	if l.Steps > 0 && o.Steps > l.Steps {
		return fmt.Errorf("steps %d exceeds limit %d", o.Steps, l.Steps)
	}
	return nil
}

// admission is the run budget shared by the HTTP and Flight servers.
type admission struct {
	sem    *semaphore.Weighted
	limits requestLimits
}

func newAdmission(maxConcurrent int, limits requestLimits) *admission {
	return &admission{
		sem:    semaphore.NewWeighted(int64(max(maxConcurrent, 1))),
		limits: limits,
	}
}

// benchRequest is the CBOR body of /bench and the Flight DoGet ticket.
// Zero fields keep the server defaults.
type benchRequest struct {
	Variants []string `cbor:"variants,omitempty"`
	Groups   int      `cbor:"groups,omitempty"`
	SrcLen   int      `cbor:"src_len,omitempty"`
	Steps    int      `cbor:"steps,omitempty"`
	PadLast  int      `cbor:"pad_last,omitempty"`
	Seed     int64    `cbor:"seed,omitempty"`
}

func (r benchRequest) apply(o bench.Options, lim requestLimits) (bench.Options, error) {
	if len(r.Variants) > 0 {
		vs, err := parseVariants(strings.Join(r.Variants, ","))
		if err != nil {
			return o, err
		}
		o.Variants = vs
	}
	if r.Groups > 0 {
		o.Groups = r.Groups
	}
	if r.SrcLen > 0 {
		o.SrcLen = r.SrcLen
	}
	if r.Steps > 0 {
		o.Steps = r.Steps
	}
	if r.PadLast > 0 {
		o.PadLast = r.PadLast
	}
	if r.Seed != 0 {
		o.Seed = r.Seed
	}
	// requests never write cache dumps
	o.Snapshot = nil
	if err := lim.check(o); err != nil {
		return o, err
	}
	return o, o.Validate()
}

func parseVariants(s string) ([]decoder.Variant, error) {
	var out []decoder.Variant
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := decoder.ParseVariant(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no variants in %q", s)
	}
	return out, nil
}
