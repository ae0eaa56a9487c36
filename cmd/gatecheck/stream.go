package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/gatecheck/internal/pipeline"
)

const maxLineBytes = 4 << 20

// streamStats counts what processStream consumed.
type streamStats struct {
	Frames   int
	Rejected int
}

// processStream feeds JSONL frames from r through mgr and writes one JSON
// result per frame to w. Lines that do not decode, or name an unknown gate,
// are logged and skipped. It stops at EOF or when ctx is cancelled.
func processStream(ctx context.Context, r io.Reader, w io.Writer, mgr *pipeline.Manager) (streamStats, error) {
	var stats streamStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, bw.Flush()
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var f pipeline.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			stats.Rejected++
			log.OpsErr(err, "line %d: bad frame", line)
			continue
		}
		res, err := mgr.Process(f)
		if errors.Is(err, pipeline.ErrUnknownGate) {
			stats.Rejected++
			log.OpsErr(err, "line %d: frame dropped", line)
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.Frames++
		if err := enc.Encode(res); err != nil {
			return stats, fmt.Errorf("write result: %w", err)
		}
		// Results are flushed per frame so downstream consumers see them live.
		if err := bw.Flush(); err != nil {
			return stats, fmt.Errorf("write result: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("read frames: %w", err)
	}
	return stats, bw.Flush()
}
